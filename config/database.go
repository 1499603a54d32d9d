package config

import "strings"

// RPCTransport selects how stored procedures are called.
type RPCTransport string

const (
	// RPCTransportHTTP calls procedures through the PostgREST endpoint.
	RPCTransportHTTP RPCTransport = "http"
	// RPCTransportPostgres calls procedures directly over pgx.
	RPCTransportPostgres RPCTransport = "postgres"
)

// SupabaseConfig contains the Supabase project connection settings.
type SupabaseConfig struct {
	// URL is the project root, e.g. https://xyz.supabase.co.
	URL string `env:"URL"`
	// ServiceRoleKey is the service-role API key used for RPC calls.
	ServiceRoleKey string `env:"SERVICE_ROLE_KEY"`
	// RPCTransport selects http (PostgREST) or postgres (direct pgx).
	RPCTransport RPCTransport `env:"RPC_TRANSPORT" envDefault:"http"`
	// DatabaseDSN is the direct Postgres DSN, required for the postgres
	// transport.
	DatabaseDSN string `env:"DB_DSN"`
}

// Sanitize normalises the Supabase settings.
func (c *SupabaseConfig) Sanitize() {
	c.URL = strings.TrimRight(strings.TrimSpace(c.URL), "/")
	c.ServiceRoleKey = strings.TrimSpace(c.ServiceRoleKey)
	if c.RPCTransport != RPCTransportPostgres {
		c.RPCTransport = RPCTransportHTTP
	}
	if c.RPCTransport == RPCTransportPostgres && c.DatabaseDSN == "" {
		c.RPCTransport = RPCTransportHTTP
	}
}

// RedisConfig contains Redis configuration for the property store and
// named locks.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	DB                 int      `env:"DB"                   envDefault:"0"`
	KeyPrefix          string   `env:"KEY_PREFIX"           envDefault:"fs:"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:""`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
}
