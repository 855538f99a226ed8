package db

import (
	"fmt"
	"strings"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
)

// SearchSchemaDDL renders the normalized search schema for one tenant:
// the logical resource and version tables, the append-only dictionary
// tables, the whole-system parameter tables, and one set of per-value-type
// parameter tables per configured resource type. Statements are returned in
// dependency order.
func SearchSchemaDDL(tr dictionary.Translator, resourceTypes []string) []string {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS logical_resources (
    logical_resource_id %s,
    resource_type TEXT NOT NULL,
    logical_id TEXT NOT NULL,
    current_version INTEGER NOT NULL,
    last_updated BIGINT NOT NULL,
    is_deleted CHAR(1) NOT NULL DEFAULT 'N',
    parameter_hash TEXT,
    UNIQUE (resource_type, logical_id)
)`, tr.SerialPrimaryKey()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resource_versions (
    resource_version_id %s,
    logical_resource_id BIGINT NOT NULL,
    version_id INTEGER NOT NULL,
    last_updated BIGINT NOT NULL,
    payload %s,
    is_deleted CHAR(1) NOT NULL DEFAULT 'N',
    UNIQUE (logical_resource_id, version_id)
)`, tr.SerialPrimaryKey(), tr.BlobType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS parameter_names (
    parameter_name_id %s,
    parameter_name TEXT NOT NULL UNIQUE
)`, tr.SerialPrimaryKey()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS code_systems (
    code_system_id %s,
    code_system_name TEXT NOT NULL UNIQUE
)`, tr.SerialPrimaryKey()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS common_token_values (
    common_token_value_id %s,
    code_system_id BIGINT NOT NULL,
    token_value TEXT NOT NULL,
    UNIQUE (code_system_id, token_value)
)`, tr.SerialPrimaryKey()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS common_canonical_values (
    canonical_id %s,
    url TEXT NOT NULL UNIQUE
)`, tr.SerialPrimaryKey()),
	}

	// Whole-system tables share the per-type shape minus the prefix.
	ddl = append(ddl, parameterTableDDL(tr, "")...)
	for _, rt := range resourceTypes {
		ddl = append(ddl, parameterTableDDL(tr, strings.ToLower(rt)+"_")...)
	}
	return ddl
}

func parameterTableDDL(tr dictionary.Translator, prefix string) []string {
	numeric := tr.NumericType()
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sstr_values (
    parameter_name_id BIGINT NOT NULL,
    str_value TEXT,
    str_value_lcase TEXT,
    logical_resource_id BIGINT NOT NULL,
    composite_id INTEGER
)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sdate_values (
    parameter_name_id BIGINT NOT NULL,
    date_start BIGINT NOT NULL,
    date_end BIGINT NOT NULL,
    logical_resource_id BIGINT NOT NULL,
    composite_id INTEGER
)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %snumber_values (
    parameter_name_id BIGINT NOT NULL,
    number_value %s,
    number_value_low %s,
    number_value_high %s,
    logical_resource_id BIGINT NOT NULL,
    composite_id INTEGER
)`, prefix, numeric, numeric, numeric),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %squantity_values (
    parameter_name_id BIGINT NOT NULL,
    code_system_id BIGINT NOT NULL,
    code TEXT,
    quantity_value %s,
    quantity_value_low %s,
    quantity_value_high %s,
    logical_resource_id BIGINT NOT NULL,
    composite_id INTEGER
)`, prefix, numeric, numeric, numeric),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sresource_token_refs (
    parameter_name_id BIGINT NOT NULL,
    common_token_value_id BIGINT NOT NULL,
    logical_resource_id BIGINT NOT NULL,
    composite_id INTEGER
)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sref_values (
    parameter_name_id BIGINT NOT NULL,
    target_resource_type TEXT NOT NULL,
    target_logical_id TEXT NOT NULL,
    target_version INTEGER,
    logical_resource_id BIGINT NOT NULL,
    composite_id INTEGER
)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %sprofiles (
    parameter_name_id BIGINT NOT NULL,
    canonical_id BIGINT NOT NULL,
    version TEXT,
    fragment TEXT,
    logical_resource_id BIGINT NOT NULL
)`, prefix),
	}

	for _, table := range []string{"str_values", "date_values", "number_values", "quantity_values", "resource_token_refs", "ref_values", "profiles"} {
		name := prefix + table
		ddl = append(ddl,
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_pn_lr ON %s (parameter_name_id, logical_resource_id)", name, name),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_lr ON %s (logical_resource_id)", name, name),
		)
	}
	return ddl
}
