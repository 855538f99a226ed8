package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle is the FHIR Bundle envelope used for search results.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string             `json:"fullUrl,omitempty"`
	Resource json.RawMessage    `json:"resource,omitempty"`
	Search   *BundleEntrySearch `json:"search,omitempty"`
}

type BundleEntrySearch struct {
	Mode string `json:"mode,omitempty"`
}

// NewSearchSetBundle renders a search result as a searchset Bundle with its
// canonical self link.
func NewSearchSetBundle(result *Result, baseURL string) *Bundle {
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        result.Total,
		Link: []BundleLink{
			{Relation: "self", URL: result.SelfLink},
		},
	}
	for _, m := range result.Matches {
		entry := BundleEntry{
			FullURL: fmt.Sprintf("%s/%s/%s", baseURL, m.ResourceType, m.LogicalID),
			Search:  &BundleEntrySearch{Mode: "match"},
		}
		if len(m.Payload) > 0 {
			entry.Resource = m.Payload
		}
		b.Entry = append(b.Entry, entry)
	}
	return b
}
