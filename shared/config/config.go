package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaRetryMax int
	KafkaWriteMS  int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	BusStore          string
	BusMaxRetries     int
	BusRetryBackoffMS int
	DLQScanSec        int
	DLQBatchSize      int
	RelayEventTypes   []string
	RelayTopicPrefix  string

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Load builds the service configuration from the environment, optionally
// overlaid on a JSON file named by CONFIG_PATH. Validation failures are
// collected as Problems instead of aborting so a service can report every
// misconfiguration at once.
func Load(serviceName string, defaultHTTPPort int) (Config, []Problem) {
	cfg := Config{
		Env:               strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:       serviceName,
		HTTPPort:          defaultHTTPPort,
		LogLevel:          "info",
		RequestTimeoutMS:  30000,
		DBMaxConns:        10,
		DBMinConns:        1,
		DBConnMaxIdleSec:  300,
		DBConnMaxLifeSec:  1800,
		KafkaRetryMax:     5,
		KafkaWriteMS:      5000,
		AsynqQueue:        "default",
		AsynqConcurrency:  10,
		BusStore:          "memory",
		BusMaxRetries:     3,
		BusRetryBackoffMS: 100,
		DLQScanSec:        30,
		DLQBatchSize:      100,
		RelayTopicPrefix:  "ops.events",
		InfluxTimeoutMS:   5000,
		OtelInsecure:      true,
		OtelSampleRatio:   1.0,
	}

	problems := make([]Problem, 0, 4)

	if fileData, fileProblems := loadConfigFile(strings.TrimSpace(os.Getenv("CONFIG_PATH"))); fileData != nil {
		problems = append(problems, fileProblems...)
		applyMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = defaultHTTPPort
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.BusMaxRetries < 0 {
		problems = append(problems, Problem{Field: "BUS_MAX_RETRIES", Message: "BUS_MAX_RETRIES must be >= 0"})
		cfg.BusMaxRetries = 3
	}
	if cfg.BusRetryBackoffMS <= 0 {
		problems = append(problems, Problem{Field: "BUS_RETRY_BACKOFF_MS", Message: "BUS_RETRY_BACKOFF_MS must be > 0"})
		cfg.BusRetryBackoffMS = 100
	}
	switch cfg.BusStore {
	case "memory", "redis", "postgres":
	default:
		problems = append(problems, Problem{Field: "BUS_STORE", Message: "BUS_STORE must be one of memory, redis, postgres"})
		cfg.BusStore = "memory"
	}
	if cfg.BusStore == "redis" && cfg.RedisAddr == "" {
		problems = append(problems, Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required when BUS_STORE=redis"})
	}
	if cfg.BusStore == "postgres" && cfg.DatabaseURL == "" {
		problems = append(problems, Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required when BUS_STORE=postgres"})
	}
	if cfg.DLQScanSec <= 0 {
		problems = append(problems, Problem{Field: "DLQ_SCAN_SEC", Message: "DLQ_SCAN_SEC must be > 0"})
		cfg.DLQScanSec = 30
	}
	if cfg.DLQBatchSize <= 0 {
		problems = append(problems, Problem{Field: "DLQ_BATCH_SIZE", Message: "DLQ_BATCH_SIZE must be > 0"})
		cfg.DLQBatchSize = 100
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be in [0,1]"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func loadConfigFile(path string) (map[string]any, []Problem) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("cannot read config file: %v", err)}}
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("config file is not valid JSON: %v", err)}}
	}
	return data, nil
}

func applyMap(cfg *Config, data map[string]any, problems *[]Problem) {
	for key, value := range data {
		setField(cfg, key, fmt.Sprintf("%v", value), problems)
	}
	if raw, ok := data["KAFKA_BROKERS"].([]any); ok {
		cfg.KafkaBrokers = parseAnyCSV(raw)
	}
	if raw, ok := data["RELAY_EVENT_TYPES"].([]any); ok {
		cfg.RelayEventTypes = parseAnyCSV(raw)
	}
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, key := range configKeys {
		if raw, ok := os.LookupEnv(key); ok {
			setField(cfg, key, raw, problems)
		}
	}
}

var configKeys = []string{
	"ENV", "HTTP_PORT", "LOG_LEVEL", "REQUEST_TIMEOUT_MS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONN_MAX_IDLE_SECONDS", "DB_CONN_MAX_LIFE_SECONDS",
	"KAFKA_BROKERS", "KAFKA_CLIENT_ID", "KAFKA_RETRY_MAX", "KAFKA_WRITE_MS",
	"ASYNQ_REDIS_ADDR", "ASYNQ_REDIS_PASSWORD", "ASYNQ_REDIS_DB", "ASYNQ_QUEUE", "ASYNQ_CONCURRENCY",
	"BUS_STORE", "BUS_MAX_RETRIES", "BUS_RETRY_BACKOFF_MS", "DLQ_SCAN_SEC", "DLQ_BATCH_SIZE",
	"RELAY_EVENT_TYPES", "RELAY_TOPIC_PREFIX",
	"INFLUX_URL", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET", "INFLUX_TIMEOUT_MS",
	"OTEL_ENABLED", "OTEL_ENDPOINT", "OTEL_INSECURE", "OTEL_SAMPLE_RATIO",
}

func setField(cfg *Config, key string, raw string, problems *[]Problem) {
	raw = strings.TrimSpace(raw)
	switch key {
	case "ENV":
		cfg.Env = raw
	case "HTTP_PORT":
		setInt(&cfg.HTTPPort, key, raw, problems)
	case "LOG_LEVEL":
		cfg.LogLevel = raw
	case "REQUEST_TIMEOUT_MS":
		setInt(&cfg.RequestTimeoutMS, key, raw, problems)
	case "REDIS_ADDR":
		cfg.RedisAddr = raw
	case "REDIS_PASSWORD":
		cfg.RedisPassword = raw
	case "REDIS_DB":
		setInt(&cfg.RedisDB, key, raw, problems)
	case "DATABASE_URL":
		cfg.DatabaseURL = raw
	case "DB_MAX_CONNS":
		setInt(&cfg.DBMaxConns, key, raw, problems)
	case "DB_MIN_CONNS":
		setInt(&cfg.DBMinConns, key, raw, problems)
	case "DB_CONN_MAX_IDLE_SECONDS":
		setInt(&cfg.DBConnMaxIdleSec, key, raw, problems)
	case "DB_CONN_MAX_LIFE_SECONDS":
		setInt(&cfg.DBConnMaxLifeSec, key, raw, problems)
	case "KAFKA_BROKERS":
		cfg.KafkaBrokers = parseCSV(raw)
	case "KAFKA_CLIENT_ID":
		cfg.KafkaClientID = raw
	case "KAFKA_RETRY_MAX":
		setInt(&cfg.KafkaRetryMax, key, raw, problems)
	case "KAFKA_WRITE_MS":
		setInt(&cfg.KafkaWriteMS, key, raw, problems)
	case "ASYNQ_REDIS_ADDR":
		cfg.AsynqRedisAddr = raw
	case "ASYNQ_REDIS_PASSWORD":
		cfg.AsynqRedisPass = raw
	case "ASYNQ_REDIS_DB":
		setInt(&cfg.AsynqRedisDB, key, raw, problems)
	case "ASYNQ_QUEUE":
		cfg.AsynqQueue = raw
	case "ASYNQ_CONCURRENCY":
		setInt(&cfg.AsynqConcurrency, key, raw, problems)
	case "BUS_STORE":
		cfg.BusStore = strings.ToLower(raw)
	case "BUS_MAX_RETRIES":
		setInt(&cfg.BusMaxRetries, key, raw, problems)
	case "BUS_RETRY_BACKOFF_MS":
		setInt(&cfg.BusRetryBackoffMS, key, raw, problems)
	case "DLQ_SCAN_SEC":
		setInt(&cfg.DLQScanSec, key, raw, problems)
	case "DLQ_BATCH_SIZE":
		setInt(&cfg.DLQBatchSize, key, raw, problems)
	case "RELAY_EVENT_TYPES":
		cfg.RelayEventTypes = parseCSV(raw)
	case "RELAY_TOPIC_PREFIX":
		cfg.RelayTopicPrefix = raw
	case "INFLUX_URL":
		cfg.InfluxURL = raw
	case "INFLUX_TOKEN":
		cfg.InfluxToken = raw
	case "INFLUX_ORG":
		cfg.InfluxOrg = raw
	case "INFLUX_BUCKET":
		cfg.InfluxBucket = raw
	case "INFLUX_TIMEOUT_MS":
		setInt(&cfg.InfluxTimeoutMS, key, raw, problems)
	case "OTEL_ENABLED":
		setBool(&cfg.OtelEnabled, key, raw, problems)
	case "OTEL_ENDPOINT":
		cfg.OtelEndpoint = raw
	case "OTEL_INSECURE":
		setBool(&cfg.OtelInsecure, key, raw, problems)
	case "OTEL_SAMPLE_RATIO":
		setFloat(&cfg.OtelSampleRatio, key, raw, problems)
	}
}

func setInt(dst *int, field string, raw string, problems *[]Problem) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be an integer"})
		return
	}
	*dst = v
}

func setBool(dst *bool, field string, raw string, problems *[]Problem) {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be a boolean"})
		return
	}
	*dst = v
}

func setFloat(dst *float64, field string, raw string, problems *[]Problem) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be a number"})
		return
	}
	*dst = v
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
