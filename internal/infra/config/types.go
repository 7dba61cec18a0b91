package config

// Environment identifies the runtime environment where synctrack operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// DatabaseDriver selects the state store backend.
type DatabaseDriver string

const (
	// DriverPostgres stores sync state in PostgreSQL.
	DriverPostgres DatabaseDriver = "postgres"
	// DriverMemory keeps sync state in process; state is lost on restart.
	DriverMemory DatabaseDriver = "memory"
)
