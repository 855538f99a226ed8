package fhir

import (
	"fmt"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
)

// commonDefinitions are the search parameters every resource type indexes:
// the whole-system parameters plus _id. They use the built-in evaluator's
// expression syntax.
var commonDefinitions = []index.Definition{
	{Code: "_id", Type: index.TypeToken, Expression: "id as token"},
	{Code: "_lastUpdated", Type: index.TypeDate, Expression: "meta.lastUpdated as date", WholeSystem: true},
	{Code: "_profile", Type: index.TypeProfile, Expression: "meta.profile", WholeSystem: true},
	{Code: "_tag", Type: index.TypeTag, Expression: "meta.tag as token", WholeSystem: true},
	{Code: "_security", Type: index.TypeSecurity, Expression: "meta.security as token", WholeSystem: true},
}

// typeDefinitions carries the per-type search parameters the server ships
// with. Deployments with a SearchParameter registry of their own register
// compiled definitions directly.
var typeDefinitions = map[string][]index.Definition{
	"Patient": {
		{Code: "family", Type: index.TypeString, Expression: "name.family"},
		{Code: "given", Type: index.TypeString, Expression: "name.given"},
		{Code: "name", Type: index.TypeString, Expression: "name.text"},
		{Code: "birthdate", Type: index.TypeDate, Expression: "birthDate as date"},
		{Code: "gender", Type: index.TypeToken, Expression: "gender as token"},
		{Code: "identifier", Type: index.TypeToken, Expression: "identifier as token"},
		{Code: "organization", Type: index.TypeReference, Expression: "managingOrganization as reference", Targets: []string{"Organization"}},
		{Code: "general-practitioner", Type: index.TypeReference, Expression: "generalPractitioner as reference", Targets: []string{"Practitioner", "Organization"}},
	},
	"Observation": {
		{Code: "code", Type: index.TypeToken, Expression: "code as token"},
		{Code: "status", Type: index.TypeToken, Expression: "status as token"},
		{Code: "date", Type: index.TypeDate, Expression: "effectiveDateTime as date"},
		{Code: "value-quantity", Type: index.TypeQuantity, Expression: "valueQuantity as quantity"},
		{Code: "subject", Type: index.TypeReference, Expression: "subject as reference", Targets: []string{"Patient"}},
		{
			Code:       "code-value-quantity",
			Type:       index.TypeComposite,
			Expression: "{code=code as token;value-quantity=valueQuantity as quantity}",
			Components: []index.Component{
				{Code: "code", Type: index.TypeToken},
				{Code: "value-quantity", Type: index.TypeQuantity},
			},
		},
	},
	"Practitioner": {
		{Code: "family", Type: index.TypeString, Expression: "name.family"},
		{Code: "given", Type: index.TypeString, Expression: "name.given"},
		{Code: "identifier", Type: index.TypeToken, Expression: "identifier as token"},
	},
	"Organization": {
		{Code: "name", Type: index.TypeString, Expression: "name"},
		{Code: "type", Type: index.TypeToken, Expression: "type as token"},
		{Code: "identifier", Type: index.TypeToken, Expression: "identifier as token"},
	},
	"Encounter": {
		{Code: "status", Type: index.TypeToken, Expression: "status as token"},
		{Code: "date", Type: index.TypeDate, Expression: "period as date"},
		{Code: "subject", Type: index.TypeReference, Expression: "subject as reference", Targets: []string{"Patient"}},
	},
	"Condition": {
		{Code: "code", Type: index.TypeToken, Expression: "code as token"},
		{Code: "clinical-status", Type: index.TypeToken, Expression: "clinicalStatus as token"},
		{Code: "subject", Type: index.TypeReference, Expression: "subject as reference", Targets: []string{"Patient"}},
	},
}

// DefaultRegistry compiles the shipped search parameter definitions for the
// configured resource types.
func DefaultRegistry(resourceTypes []string) (*index.Registry, error) {
	reg := index.NewRegistry()
	for _, rt := range resourceTypes {
		for _, def := range commonDefinitions {
			if err := reg.Register(rt, def); err != nil {
				return nil, fmt.Errorf("register %s/%s: %w", rt, def.Code, err)
			}
		}
		for _, def := range typeDefinitions[rt] {
			if err := reg.Register(rt, def); err != nil {
				return nil, fmt.Errorf("register %s/%s: %w", rt, def.Code, err)
			}
		}
	}
	return reg, nil
}
