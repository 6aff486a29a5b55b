package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort string
	LogMode  string

	LLMProvider        string
	GeminiAPIKey       string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	LLMModel           string
	LLMMaxTokens       int
	LLMTemperature     float64
	LLMTimeout         time.Duration
	MeasureMaxTokens   int
	MeasureTemperature float64

	SessionSecret  string
	SessionBackend string
	RedisAddr      string
	SessionTTL     time.Duration

	DatabaseURL  string
	PostgresURL  string
	PGTable      string
	PGCodesTable string
	CodeBackend  string

	ResultsFile    string
	RedirectURL    string
	EncodeBase64   bool
	ReusableCode   string
	CompletionCode string

	AssetsDir    string
	DevEndpoints bool

	ExperimentFile string
	Experiment     Experiment
}

// Experiment is the non-secret experiment design read from EXPERIMENT_FILE.
type Experiment struct {
	Tables             TableFiles `yaml:"tables"`
	ConsentFields      []string   `yaml:"consent_fields"`
	DisplayNames       []string   `yaml:"display_names"`
	AvatarCategory     string     `yaml:"avatar_category"`
	ParticipantIDSpace int        `yaml:"participant_id_space"`
	HiddenPromptPrefix string     `yaml:"hidden_prompt_prefix"`
	DefaultInitialTask string     `yaml:"default_initial_task"`
	ParticipantParam   string     `yaml:"participant_param"`
	TrackingParams     []string   `yaml:"tracking_params"`
}

type TableFiles struct {
	TreatmentConfig string `yaml:"treatment_config"`
	Measures        string `yaml:"measures"`
	Questions       string `yaml:"questions"`
	Texts           string `yaml:"texts"`
}

var AppConfig Config

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg, err := FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	AppConfig = cfg
}

// FromEnv builds a Config from the current environment and the experiment file.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPPort: getEnv("HTTP_PORT", "3030"),
		LogMode:  getEnv("LOG_MODE", "dev"),

		LLMProvider:        strings.ToLower(getEnv("LLM_PROVIDER", ProviderGemini)),
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		LLMModel:           getEnv("LLM_MODEL", ""),
		LLMMaxTokens:       getEnvAsInt("LLM_MAX_TOKENS", 20),
		LLMTemperature:     getEnvAsFloat("LLM_TEMPERATURE", 0.7),
		LLMTimeout:         time.Duration(getEnvAsInt("LLM_TIMEOUT_MS", 60000)) * time.Millisecond,
		MeasureMaxTokens:   getEnvAsInt("MEASURE_MAX_TOKENS", 20),
		MeasureTemperature: getEnvAsFloat("MEASURE_TEMPERATURE", 0),

		SessionSecret:  getEnv("SESSION_SECRET", ""),
		SessionBackend: strings.ToLower(getEnv("SESSION_BACKEND", "memory")),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		SessionTTL:     time.Duration(getEnvAsInt("SESSION_TTL_MINUTES", 24*60)) * time.Minute,

		DatabaseURL:  getEnv("DATABASE_URL", "persona_chat.db"),
		PostgresURL:  getEnv("POSTGRES_URL", ""),
		PGTable:      getEnv("PGTABLE", "digit_span_b_results"),
		PGCodesTable: getEnv("PGCODES_TABLE", "digit_span_b_codes"),
		CodeBackend:  strings.ToLower(getEnv("CODE_BACKEND", "sqlite")),

		ResultsFile:    getEnv("RESULTS_FILE", ""),
		RedirectURL:    getEnv("REDIRECT_URL", ""),
		EncodeBase64:   getEnvAsBool("BASE64_ENCODE", false),
		ReusableCode:   getEnv("REUSABLE_CODE", ""),
		CompletionCode: getEnv("COMPLETION_CODE", ""),

		AssetsDir:    getEnv("ASSETS_DIR", "static"),
		DevEndpoints: getEnvAsBool("DEV_ENDPOINTS", false),

		ExperimentFile: getEnv("EXPERIMENT_FILE", "experiment.yaml"),
	}

	exp, err := LoadExperiment(cfg.ExperimentFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Experiment = exp

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LLMProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
	case ProviderMock:
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}

	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET environment variable is required")
	}
	if c.SessionBackend != "memory" && c.SessionBackend != "redis" {
		log.Printf("Unknown SESSION_BACKEND %q, using memory", c.SessionBackend)
		c.SessionBackend = "memory"
	}
	if c.CodeBackend == "postgres" && c.PostgresURL == "" {
		return fmt.Errorf("POSTGRES_URL is required when CODE_BACKEND=postgres")
	}
	return nil
}

// DefaultExperiment mirrors the constants the first version of the study shipped with.
func DefaultExperiment() Experiment {
	return Experiment{
		Tables: TableFiles{
			TreatmentConfig: "experiment_config.csv",
			Measures:        "measures.csv",
			Questions:       "questions.csv",
			Texts:           "texts.csv",
		},
		ConsentFields:      []string{"consent_age", "consent_data", "consent_participate"},
		DisplayNames:       []string{"Alex", "Sam", "Robin", "Jordan", "Taylor", "Casey"},
		AvatarCategory:     "avatars",
		ParticipantIDSpace: 1000000,
		HiddenPromptPrefix: "You are a virtual assistant. You are interacting with a human person. You have the following set of human characharistics: ",
		DefaultInitialTask: "You are a virtual assistant working with a human adult person. Your task is to come up with a simple fun riddle challange for the person to try and solve.",
		ParticipantParam:   "PROLIFIC_PID",
		TrackingParams:     []string{"PROLIFIC_PID", "STUDY_ID", "SESSION_ID"},
	}
}

// LoadExperiment reads the YAML experiment file over the defaults. A missing file
// yields the defaults.
func LoadExperiment(path string) (Experiment, error) {
	exp := DefaultExperiment()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return exp, nil
		}
		return exp, fmt.Errorf("failed to read experiment file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &exp); err != nil {
		return exp, fmt.Errorf("failed to parse experiment file %s: %w", path, err)
	}
	if exp.ParticipantIDSpace <= 0 {
		exp.ParticipantIDSpace = DefaultExperiment().ParticipantIDSpace
	}
	return exp, nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool treats any non-zero integer or a strconv-parsable true as true.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(valueStr); err == nil {
		return n != 0
	}
	if b, err := strconv.ParseBool(valueStr); err == nil {
		return b
	}
	return defaultValue
}
