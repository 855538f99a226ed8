// Package remote defines the message schema and hand-off used when search
// parameter indexing is performed by a downstream consumer instead of being
// written locally. Messages are partitioned by resourceType/logicalId so all
// updates to one logical resource are processed in order by one consumer.
package remote

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
)

// MessageVersion identifies the current wire schema.
const MessageVersion = 1

// Instant is a timestamp that round-trips through JSON at full
// nanosecond precision (RFC3339Nano, UTC).
type Instant struct{ time.Time }

// NewInstant wraps t as a UTC Instant.
func NewInstant(t time.Time) Instant { return Instant{t.UTC()} }

// MarshalJSON renders the instant as an RFC3339Nano string.
func (i Instant) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON parses an RFC3339Nano string.
func (i *Instant) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse instant %q: %w", s, err)
	}
	i.Time = t.UTC()
	return nil
}

// Message is one remote-index submission: the identity of a logical resource
// version plus every search parameter value extracted from it.
type Message struct {
	MessageVersion    int     `json:"messageVersion"`
	TenantID          string  `json:"tenantId"`
	ResourceType      string  `json:"resourceType"`
	LogicalID         string  `json:"logicalId"`
	LogicalResourceID int64   `json:"logicalResourceId"`
	VersionID         int     `json:"versionId"`
	LastUpdated       Instant `json:"lastUpdated"`
	RequestShard      string  `json:"requestShard,omitempty"`
	ParameterHash     string  `json:"parameterHash"`

	StringValues    []StringParameter    `json:"stringValues,omitempty"`
	DateValues      []DateParameter      `json:"dateValues,omitempty"`
	NumberValues    []NumberParameter    `json:"numberValues,omitempty"`
	QuantityValues  []QuantityParameter  `json:"quantityValues,omitempty"`
	TokenValues     []TokenParameter     `json:"tokenValues,omitempty"`
	SecurityValues  []TokenParameter     `json:"securityValues,omitempty"`
	TagValues       []TokenParameter     `json:"tagValues,omitempty"`
	ReferenceValues []ReferenceParameter `json:"referenceValues,omitempty"`
	ProfileValues   []ProfileParameter   `json:"profileValues,omitempty"`
	LocationValues  []LocationParameter  `json:"locationValues,omitempty"`
}

// PartitionKey groups all updates for one logical resource onto one
// consumer partition.
func (m *Message) PartitionKey() string {
	return m.ResourceType + "/" + m.LogicalID
}

type StringParameter struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	CompositeID *int   `json:"compositeId,omitempty"`
	WholeSystem bool   `json:"wholeSystem,omitempty"`
}

type DateParameter struct {
	Name        string  `json:"name"`
	Start       Instant `json:"start"`
	End         Instant `json:"end"`
	CompositeID *int    `json:"compositeId,omitempty"`
	WholeSystem bool    `json:"wholeSystem,omitempty"`
}

type NumberParameter struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Low         string `json:"low"`
	High        string `json:"high"`
	CompositeID *int   `json:"compositeId,omitempty"`
	WholeSystem bool   `json:"wholeSystem,omitempty"`
}

type QuantityParameter struct {
	Name        string `json:"name"`
	System      string `json:"system"`
	Code        string `json:"code"`
	Value       string `json:"value"`
	Low         string `json:"low"`
	High        string `json:"high"`
	CompositeID *int   `json:"compositeId,omitempty"`
	WholeSystem bool   `json:"wholeSystem,omitempty"`
}

type TokenParameter struct {
	Name        string `json:"name"`
	System      string `json:"system"`
	Value       string `json:"value"`
	CompositeID *int   `json:"compositeId,omitempty"`
	WholeSystem bool   `json:"wholeSystem,omitempty"`
}

type ReferenceParameter struct {
	Name          string `json:"name"`
	TargetType    string `json:"targetType"`
	TargetID      string `json:"targetId"`
	TargetVersion *int   `json:"targetVersion,omitempty"`
	CompositeID   *int   `json:"compositeId,omitempty"`
	WholeSystem   bool   `json:"wholeSystem,omitempty"`
}

type ProfileParameter struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Version     string `json:"version,omitempty"`
	Fragment    string `json:"fragment,omitempty"`
	WholeSystem bool   `json:"wholeSystem,omitempty"`
}

// LocationParameter is carried for near-distance search support; extraction
// of positions is owned by a collaborator, so the slice is usually empty.
type LocationParameter struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// BuildMessage assembles the remote-index message for one logical resource
// version from its extracted parameter values.
func BuildMessage(tenant string, res index.Resource, logicalResourceID int64, requestShard string, values []index.ParameterValue) *Message {
	m := &Message{
		MessageVersion:    MessageVersion,
		TenantID:          tenant,
		ResourceType:      res.ResourceType(),
		LogicalID:         res.LogicalID(),
		LogicalResourceID: logicalResourceID,
		VersionID:         res.VersionID(),
		LastUpdated:       NewInstant(res.LastUpdated()),
		RequestShard:      requestShard,
	}

	for _, v := range values {
		switch pv := v.(type) {
		case index.StringValue:
			m.StringValues = append(m.StringValues, StringParameter{
				Name: pv.Code(), Value: pv.Value, CompositeID: pv.CompositeID(), WholeSystem: pv.WholeSystem()})
		case index.URIValue:
			m.StringValues = append(m.StringValues, StringParameter{
				Name: pv.Code(), Value: pv.Value, CompositeID: pv.CompositeID(), WholeSystem: pv.WholeSystem()})
		case index.DateValue:
			m.DateValues = append(m.DateValues, DateParameter{
				Name: pv.Code(), Start: NewInstant(pv.Start), End: NewInstant(pv.End),
				CompositeID: pv.CompositeID(), WholeSystem: pv.WholeSystem()})
		case index.NumberValue:
			m.NumberValues = append(m.NumberValues, NumberParameter{
				Name: pv.Code(), Value: pv.Value.Text('f'), Low: pv.Low.Text('f'), High: pv.High.Text('f'),
				CompositeID: pv.CompositeID(), WholeSystem: pv.WholeSystem()})
		case index.QuantityValue:
			m.QuantityValues = append(m.QuantityValues, QuantityParameter{
				Name: pv.Code(), System: pv.CodeSystem, Code: pv.UnitCode,
				Value: pv.Value.Text('f'), Low: pv.Low.Text('f'), High: pv.High.Text('f'),
				CompositeID: pv.CompositeID(), WholeSystem: pv.WholeSystem()})
		case index.TokenValue:
			tp := TokenParameter{
				Name: pv.Code(), System: pv.TokenSystem, Value: pv.TokenValue,
				CompositeID: pv.CompositeID(), WholeSystem: pv.WholeSystem()}
			switch pv.Kind {
			case index.TokenSecurity:
				m.SecurityValues = append(m.SecurityValues, tp)
			case index.TokenTag:
				m.TagValues = append(m.TagValues, tp)
			default:
				m.TokenValues = append(m.TokenValues, tp)
			}
		case index.ReferenceValue:
			m.ReferenceValues = append(m.ReferenceValues, ReferenceParameter{
				Name: pv.Code(), TargetType: pv.TargetType, TargetID: pv.TargetID,
				TargetVersion: pv.TargetVersion, CompositeID: pv.CompositeID(), WholeSystem: pv.WholeSystem()})
		case index.ProfileValue:
			m.ProfileValues = append(m.ProfileValues, ProfileParameter{
				Name: pv.Code(), URL: pv.URL, Version: pv.Version, Fragment: pv.Fragment,
				WholeSystem: pv.WholeSystem()})
		}
	}

	m.ParameterHash = ParameterHash(values)
	return m
}

// ParameterValues reconstructs the typed parameter values from the message,
// the inverse of BuildMessage. The consumer side feeds these to the writer.
func (m *Message) ParameterValues() ([]index.ParameterValue, error) {
	var out []index.ParameterValue

	for _, p := range m.StringValues {
		base := index.Base{ParamCode: p.Name, Composite: p.CompositeID, System: p.WholeSystem}
		out = append(out, index.StringValue{Base: base, Value: p.Value, ValueLower: strings.ToLower(p.Value)})
	}
	for _, p := range m.DateValues {
		base := index.Base{ParamCode: p.Name, Composite: p.CompositeID, System: p.WholeSystem}
		out = append(out, index.DateValue{Base: base, Start: p.Start.UTC(), End: p.End.UTC()})
	}
	for _, p := range m.NumberValues {
		base := index.Base{ParamCode: p.Name, Composite: p.CompositeID, System: p.WholeSystem}
		value, low, high, err := parseBounds(p.Name, p.Value, p.Low, p.High)
		if err != nil {
			return nil, err
		}
		out = append(out, index.NumberValue{Base: base, Value: value, Low: low, High: high})
	}
	for _, p := range m.QuantityValues {
		base := index.Base{ParamCode: p.Name, Composite: p.CompositeID, System: p.WholeSystem}
		value, low, high, err := parseBounds(p.Name, p.Value, p.Low, p.High)
		if err != nil {
			return nil, err
		}
		out = append(out, index.QuantityValue{Base: base, CodeSystem: p.System, UnitCode: p.Code,
			Value: value, Low: low, High: high})
	}
	for kind, params := range map[index.TokenKind][]TokenParameter{
		index.TokenPlain:    m.TokenValues,
		index.TokenSecurity: m.SecurityValues,
		index.TokenTag:      m.TagValues,
	} {
		for _, p := range params {
			base := index.Base{ParamCode: p.Name, Composite: p.CompositeID, System: p.WholeSystem}
			out = append(out, index.TokenValue{Base: base, Kind: kind, TokenSystem: p.System, TokenValue: p.Value})
		}
	}
	for _, p := range m.ReferenceValues {
		base := index.Base{ParamCode: p.Name, Composite: p.CompositeID, System: p.WholeSystem}
		out = append(out, index.ReferenceValue{Base: base, TargetType: p.TargetType, TargetID: p.TargetID,
			TargetVersion: p.TargetVersion})
	}
	for _, p := range m.ProfileValues {
		base := index.Base{ParamCode: p.Name, System: p.WholeSystem}
		out = append(out, index.ProfileValue{Base: base, URL: p.URL, Version: p.Version, Fragment: p.Fragment})
	}
	return out, nil
}

func parseBounds(name, value, low, high string) (*apd.Decimal, *apd.Decimal, *apd.Decimal, error) {
	parse := func(s string) (*apd.Decimal, error) {
		d, _, err := apd.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: parse decimal %q: %w", name, s, err)
		}
		return d, nil
	}
	v, err := parse(value)
	if err != nil {
		return nil, nil, nil, err
	}
	l, err := parse(low)
	if err != nil {
		return nil, nil, nil, err
	}
	h, err := parse(high)
	if err != nil {
		return nil, nil, nil, err
	}
	return v, l, h, nil
}

// ParameterHash computes a stable digest over the extracted parameter set.
// An update whose hash matches the stored one can skip reindexing entirely.
func ParameterHash(values []index.ParameterValue) string {
	lines := make([]string, 0, len(values))
	for _, v := range values {
		composite := -1
		if id := v.CompositeID(); id != nil {
			composite = *id
		}
		var detail string
		switch pv := v.(type) {
		case index.StringValue:
			detail = pv.Value
		case index.URIValue:
			detail = pv.Value
		case index.DateValue:
			detail = fmt.Sprintf("%d|%d", pv.Start.UnixMicro(), pv.End.UnixMicro())
		case index.NumberValue:
			detail = pv.Value.Text('f')
		case index.QuantityValue:
			detail = fmt.Sprintf("%s|%s|%s", pv.CodeSystem, pv.UnitCode, pv.Value.Text('f'))
		case index.TokenValue:
			detail = fmt.Sprintf("%s|%s", pv.TokenSystem, pv.TokenValue)
		case index.ReferenceValue:
			detail = fmt.Sprintf("%s/%s", pv.TargetType, pv.TargetID)
		case index.ProfileValue:
			detail = fmt.Sprintf("%s|%s#%s", pv.URL, pv.Version, pv.Fragment)
		}
		lines = append(lines, fmt.Sprintf("%s:%s:%d:%s", v.Code(), v.Type(), composite, detail))
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
