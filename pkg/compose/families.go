package compose

// Secret names referenced by the built-in families.
const (
	SecretDB             = "db.lega"
	SecretMQ             = "mq.admin"
	SecretKeysPassphrase = "keys.passphrase"
)

// Certificate roles expected in Context.Certs.
const (
	CertCA  = "ca"
	CertPub = "cert"
	CertKey = "key"
)

// Facts expected in Context.Facts.
const (
	FactMQHost = "mq.host"
	FactMQUser = "mq.user"
	FactDBHost = "db.host"
	FactDBName = "db.name"
	FactDBUser = "db.user"
)

// Connection secrets exist only in docker-secrets mode, where the full
// connection URL is handed to the service as a docker secret.
const (
	SecretMQConnection = "mq.connection"
	SecretDBConnection = "db.connection"
)

const (
	mqURL = `amqps://{{fact "mq.user"}}:{{secret "mq.admin"}}@{{fact "mq.host"}}:5671/%2F?{{param "mq_connection_params"}}`
	dbURL = `postgres://{{fact "db.user"}}:{{secret "db.lega"}}@{{fact "db.host"}}:5432/{{fact "db.name"}}?{{param "db_connection_params"}}`

	mqConnection = `{{if docker}}secret:///run/secrets/mq.connection{{else}}` + mqURL + `{{end}}`
	dbConnection = `{{if docker}}secret:///run/secrets/db.connection{{else}}` + dbURL + `{{end}}`
)

// Connection describes a connection-string secret.
type Connection struct {
	Name     string
	Secret   string
	Template string
}

// Connections returns the connection-string secrets used in docker-secrets
// mode.
func Connections() []Connection {
	return []Connection{
		{Name: SecretMQConnection, Secret: SecretMQ, Template: mqURL},
		{Name: SecretDBConnection, Secret: SecretDB, Template: dbURL},
	}
}

func brokerSection() Section {
	return Section{
		Name: "broker",
		Entries: []Entry{
			{Key: "connection", Value: mqConnection},
			{Key: "enable_ssl", Value: "yes"},
			{Key: "verify_peer", Value: "yes"},
			{Key: "verify_hostname", Value: "no"},
			{Key: "cacertfile", Value: `{{cert "ca"}}`},
			{Key: "certfile", Value: `{{cert "cert"}}`},
			{Key: "keyfile", Value: `{{cert "key"}}`},
		},
	}
}

func dbSection() Section {
	return Section{
		Name: "db",
		Entries: []Entry{
			{Key: "connection", Value: dbConnection},
			{Key: "try", Value: `{{param "db_try"}}`},
			{Key: "try_interval", Value: `{{param "db_try_interval"}}`},
		},
	}
}

func connectionDefaults(extra map[string]string) map[string]string {
	defaults := map[string]string{
		"exchange":             "lega",
		"mq_connection_params": "heartbeat=0&connection_attempts=30&retry_delay=10",
		"db_connection_params": "application_name=LocalEGA",
		"db_try":               "30",
		"db_try_interval":      "1",
	}
	for k, v := range extra {
		defaults[k] = v
	}
	return defaults
}

// BuiltinFamilies returns the ingest, backup, cleanup and keys families.
func BuiltinFamilies() []Family {
	return []Family{
		{
			ID:      "ingest",
			Secrets: []string{SecretMQ, SecretDB},
			Defaults: connectionDefaults(map[string]string{
				"queue":       "files",
				"routing_key": "archived",
				"inbox":       "/ega/inbox/%s",
				"vault":       "/ega/vault",
			}),
			Sections: []Section{
				{Name: "DEFAULT", Entries: []Entry{
					{Key: "queue", Value: `{{param "queue"}}`},
					{Key: "exchange", Value: `{{param "exchange"}}`},
					{Key: "routing_key", Value: `{{param "routing_key"}}`},
				}},
				{Name: "inbox", Entries: []Entry{
					{Key: "location", Value: `{{param "inbox"}}`},
				}},
				{Name: "vault", Entries: []Entry{
					{Key: "location", Value: `{{param "vault"}}`},
				}},
				brokerSection(),
				dbSection(),
			},
		},
		{
			ID:      "backup",
			Secrets: []string{SecretMQ, SecretDB},
			Defaults: connectionDefaults(map[string]string{
				"queue":       "accession",
				"routing_key": "backup",
			}),
			Sections: []Section{
				{Name: "DEFAULT", Entries: []Entry{
					{Key: "queue", Value: `{{param "queue"}}`},
					{Key: "exchange", Value: `{{param "exchange"}}`},
					{Key: "routing_key", Value: `{{param "routing_key"}}`},
				}},
				{Name: "destination", Entries: []Entry{
					{Key: "location", Value: `{{param "destination"}}`},
				}},
				brokerSection(),
				dbSection(),
			},
		},
		{
			ID:      "cleanup",
			Secrets: []string{SecretMQ, SecretDB},
			Defaults: connectionDefaults(map[string]string{
				"queue":       "completed",
				"routing_key": "done",
				"inbox":       "/ega/inbox/%s",
				"staging":     "/ega/staging",
			}),
			Sections: []Section{
				{Name: "DEFAULT", Entries: []Entry{
					{Key: "queue", Value: `{{param "queue"}}`},
					{Key: "exchange", Value: `{{param "exchange"}}`},
					{Key: "routing_key", Value: `{{param "routing_key"}}`},
				}},
				{Name: "inbox", Entries: []Entry{
					{Key: "location", Value: `{{param "inbox"}}`},
				}},
				{Name: "staging", Entries: []Entry{
					{Key: "location", Value: `{{param "staging"}}`},
				}},
				brokerSection(),
				dbSection(),
			},
		},
		{
			ID:      "keys",
			Secrets: []string{SecretKeysPassphrase},
			Defaults: map[string]string{
				"port":       "8443",
				"active_key": "c4gh",
				"key_path":   "/etc/ega/keys/c4gh.sec",
			},
			Sections: []Section{
				{Name: "DEFAULT", Entries: []Entry{
					{Key: "active", Value: `{{param "active_key"}}`},
				}},
				{Name: "keyserver", Entries: []Entry{
					{Key: "port", Value: `{{param "port"}}`},
					{Key: "ssl_certfile", Value: `{{cert "cert"}}`},
					{Key: "ssl_keyfile", Value: `{{cert "key"}}`},
					{Key: "cacertfile", Value: `{{cert "ca"}}`},
				}},
				{Name: "c4gh", Entries: []Entry{
					{Key: "path", Value: `{{param "key_path"}}`},
					{Key: "passphrase", Value: `{{secret "keys.passphrase"}}`},
				}},
			},
		},
	}
}
