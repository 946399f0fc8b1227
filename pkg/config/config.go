package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	SQLite  SQLiteConfig
	Neo4j   Neo4jConfig
	Milvus  MilvusConfig
	Redis   RedisConfig
	Scoring ScoringConfig
	Logging LoggingConfig
}

type SQLiteConfig struct {
	Path string
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint          string
	ChunkCollection   string
	ControlCollection string
	VectorDim         int
}

type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLMin int
}

type ScoringConfig struct {
	WeightsTTLSec       int
	MinConfidence       float64
	MaxConcurrentScores int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/complymap")

	viper.SetEnvPrefix("COMPLYMAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("sqlite.path", "./data/complymap.db")

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.chunkCollection", "document_chunks")
	viper.SetDefault("milvus.controlCollection", "control_embeddings")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.embeddingTTLMin", 60)

	viper.SetDefault("scoring.weightsTTLSec", 300)
	viper.SetDefault("scoring.minConfidence", 70)
	viper.SetDefault("scoring.maxConcurrentScores", 4)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
