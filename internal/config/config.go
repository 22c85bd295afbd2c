package config

import "time"

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Storage  StorageConfig  `yaml:"storage"`
	AI       AIConfig       `yaml:"ai"`
	Graph    GraphConfig    `yaml:"graph"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Rebuild  RebuildConfig  `yaml:"rebuild"`
	Assembly AssemblyConfig `yaml:"assembly"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"PORT"                    env-default:"8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
	BodyLimit       string        `yaml:"body_limit"       env:"SERVER_BODY_LIMIT"       env-default:"8M"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"                env:"DATABASE_URL"                env-required:"true"`
	MaxConns        int32         `yaml:"max_conns"          env:"DATABASE_MAX_CONNS"          env-default:"25"`
	MinConns        int32         `yaml:"min_conns"          env:"DATABASE_MIN_CONNS"          env-default:"2"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"  env:"DATABASE_MAX_CONN_LIFETIME"  env-default:"1h"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"DATABASE_MAX_CONN_IDLE_TIME" env-default:"30m"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"   env:"DATABASE_MIGRATE_ON_START"   env-default:"true"`
}

// QueueConfig holds RabbitMQ settings for the rebuild queue.
type QueueConfig struct {
	Host            string        `yaml:"host"             env:"RABBITMQ_HOST"             env-default:"localhost"`
	Port            int           `yaml:"port"             env:"RABBITMQ_PORT"             env-default:"5672"`
	User            string        `yaml:"user"             env:"RABBITMQ_USER"             env-default:"guest"`
	Password        string        `yaml:"password"         env:"RABBITMQ_PASSWORD"         env-default:"guest"`
	RebuildQueue    string        `yaml:"rebuild_queue"    env:"RABBITMQ_REBUILD_QUEUE"    env-default:"graph_rebuild_queue"`
	RetryDelay      time.Duration `yaml:"retry_delay"      env:"RABBITMQ_RETRY_DELAY"      env-default:"10s"`
	MaxRedeliveries int           `yaml:"max_redeliveries" env:"RABBITMQ_MAX_REDELIVERIES" env-default:"10"`
}

// StorageConfig holds S3 settings for changelog archives.
type StorageConfig struct {
	Region    string `yaml:"region"     env:"AWS_REGION"     env-default:"us-east-1"`
	Endpoint  string `yaml:"endpoint"   env:"S3_ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	Bucket    string `yaml:"bucket"     env:"S3_BUCKET"      env-default:"loresmith"`
}

// AIConfig selects and configures the embedding provider.
type AIConfig struct {
	Adapter       string        `yaml:"adapter"        env:"AI_ADAPTER"        env-default:"openai"`
	Model         string        `yaml:"model"          env:"AI_EMBED_MODEL"    env-default:"text-embedding-3-small"`
	URL           string        `yaml:"url"            env:"AI_EMBED_URL"`
	Key           string        `yaml:"key"            env:"AI_EMBED_KEY"`
	Dimensions    int           `yaml:"dimensions"     env:"AI_EMBED_DIM"      env-default:"1536"`
	MaxConcurrent int64         `yaml:"max_concurrent" env:"AI_MAX_CONCURRENT" env-default:"4"`
	Timeout       time.Duration `yaml:"timeout"        env:"AI_TIMEOUT"        env-default:"30s"`
	TokenLimit    int           `yaml:"token_limit"    env:"AI_TOKEN_LIMIT"    env-default:"8000"`
	Encoding      string        `yaml:"encoding"       env:"AI_TOKEN_ENCODING" env-default:"cl100k_base"`
}

// GraphConfig selects where relationship edges are mirrored for traversal.
type GraphConfig struct {
	Backend       string `yaml:"backend"        env:"GRAPH_BACKEND"  env-default:"postgres"`
	Neo4jURI      string `yaml:"neo4j_uri"      env:"NEO4J_URI"`
	Neo4jUser     string `yaml:"neo4j_user"     env:"NEO4J_USER"     env-default:"neo4j"`
	Neo4jPassword string `yaml:"neo4j_password" env:"NEO4J_PASSWORD"`
}

// DedupeConfig holds similarity thresholds for duplicate detection.
type DedupeConfig struct {
	HighThreshold float64 `yaml:"high_threshold" env:"DEDUPE_HIGH_THRESHOLD" env-default:"0.90"`
	LowThreshold  float64 `yaml:"low_threshold"  env:"DEDUPE_LOW_THRESHOLD"  env-default:"0.75"`
	TopK          int     `yaml:"top_k"          env:"DEDUPE_TOP_K"          env-default:"10"`
}

// RebuildConfig holds rebuild trigger thresholds and retry settings.
type RebuildConfig struct {
	PartialThreshold float64       `yaml:"partial_threshold" env:"REBUILD_PARTIAL_THRESHOLD" env-default:"50"`
	FullThreshold    float64       `yaml:"full_threshold"    env:"REBUILD_FULL_THRESHOLD"    env-default:"100"`
	MaxAttempts      int           `yaml:"max_attempts"      env:"REBUILD_MAX_ATTEMPTS"      env-default:"3"`
	BaseBackoff      time.Duration `yaml:"base_backoff"      env:"REBUILD_BASE_BACKOFF"      env-default:"2s"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"         env:"REBUILD_LEASE_TTL"         env-default:"5m"`
}

// AssemblyConfig holds context assembly defaults.
type AssemblyConfig struct {
	CacheTTL         time.Duration `yaml:"cache_ttl"         env:"ASSEMBLY_CACHE_TTL"         env-default:"5m"`
	SweepProbability float64       `yaml:"sweep_probability" env:"ASSEMBLY_SWEEP_PROBABILITY" env-default:"0.1"`
	MinSimilarity    float64       `yaml:"min_similarity"    env:"ASSEMBLY_MIN_SIMILARITY"    env-default:"0.3"`
	TopK             int           `yaml:"top_k"             env:"ASSEMBLY_TOP_K"             env-default:"10"`
	NeighborDepth    int           `yaml:"neighbor_depth"    env:"ASSEMBLY_NEIGHBOR_DEPTH"    env-default:"2"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"`
}

func (l LogConfig) Debug() bool {
	return l.Level == "debug"
}
