package config

import "github.com/ega-archive/egaboot/pkg/compose"

const image = "egarchive/lega:latest"

// Default returns the reference LocalEGA deployment: ingest, two chained
// backups, cleanup, key server, database, broker and the federation stub,
// with two test users.
func Default() *Deployment {
	d := &Deployment{
		SchemaVersion: SchemaVersion,
		Name:          "lega",
		Secrets: []SecretConfig{
			{Name: compose.SecretDB},
			{Name: compose.SecretMQ},
			{Name: compose.SecretKeysPassphrase},
		},
		Components: []ComponentConfig{
			{Name: "db", Image: "egarchive/db:latest", Certificate: true, Ports: []string{"5432:5432"}},
			{Name: "mq", Image: "egarchive/mq:latest", Certificate: true, Ports: []string{"15672:15672"}},
			{Name: "cega", Image: "egarchive/cega:latest", Certificate: true},
			{
				Name: "keys", Image: image, Certificate: true, Config: "keys",
				Command: []string{"ega-keyserver"}, Secrets: []string{compose.SecretKeysPassphrase},
			},
			{
				Name: "ingest", Image: image, Certificate: true, Config: "ingest",
				Command: []string{"ega-ingest"}, DependsOn: []string{"db", "mq", "keys"},
				Secrets: []string{compose.SecretMQConnection, compose.SecretDBConnection},
			},
			{
				Name: "backup1", Image: image, Certificate: true, Config: "backup1",
				Command: []string{"ega-backup"}, DependsOn: []string{"db", "mq"},
				Secrets: []string{compose.SecretMQConnection, compose.SecretDBConnection},
			},
			{
				Name: "backup2", Image: image, Certificate: true, Config: "backup2",
				Command: []string{"ega-backup"}, DependsOn: []string{"db", "mq"},
				Secrets: []string{compose.SecretMQConnection, compose.SecretDBConnection},
			},
			{
				Name: "cleanup", Image: image, Certificate: true, Config: "cleanup",
				Command: []string{"ega-cleanup"}, DependsOn: []string{"db", "mq"},
				Secrets: []string{compose.SecretMQConnection, compose.SecretDBConnection},
			},
		},
		Configs: []InstanceConfig{
			{Name: "ingest", Family: "ingest", Component: "ingest"},
			{Name: "backup1", Family: "backup", Component: "backup1", Params: map[string]string{
				"queue": "accession", "destination": "/ega/vault", "routing_key": "backup1",
			}},
			{Name: "backup2", Family: "backup", Component: "backup2", Params: map[string]string{
				"queue": "backup1", "destination": "/ega/vault.bkp", "routing_key": "backup2",
			}},
			{Name: "cleanup", Family: "cleanup", Component: "cleanup"},
			{Name: "keys", Family: "keys", Component: "keys"},
		},
		Users: []UserConfig{
			{Name: "john"},
			{Name: "jane"},
		},
	}
	ApplyDefaults(d)
	return d
}
