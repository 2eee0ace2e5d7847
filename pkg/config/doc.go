// Package config loads deployment files.
//
// A deployment lists the secrets, components, config instances and users
// to provision. It is written in CUE (or plain JSON, which CUE reads) or in
// YAML:
//
//	schema_version: "1.0.0"
//	name:           "lega"
//	secrets: [{name: "db.lega"}, {name: "mq.admin"}]
//	components: [{name: "ingest", certificate: true, config: "ingest"}]
//	configs: [{name: "ingest", family: "ingest", component: "ingest"}]
//
// Loading checks the document against the #Deployment CUE schema, applies
// defaults, runs struct validation and the schema_version range check,
// then verifies references between sections. Every problem found is
// reported at once in a ValidationErrors value wrapped by an engine
// validation error.
package config
