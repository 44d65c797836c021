package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Config holds the application's configuration values.
type Config struct {
	AppName string `json:"appname"`
	AppEnv  string `json:"appenv"`
	AppPort uint16 `json:"appport"`
	GinMode string `json:"ginmode"`
	DBHost  string `json:"dbhost"`
	DBPort  uint16 `json:"dbport"`
	DBName  string `json:"dbname"`
	DBUSER  string `json:"dbuser"`
	DBPass  string `json:"dbpass"`

	// Geographic security settings.
	GeoFailOpen         bool          `json:"geo_fail_open"`
	GeoLookupTimeout    time.Duration `json:"geo_lookup_timeout"`
	GeoProviderURL      string        `json:"geo_provider_url"`
	GeoIPDBPath         string        `json:"geoip_db_path"`
	GeoIPDownloadURL    string        `json:"geoip_download_url"`
	GeoExemptPrefixes   []string      `json:"geo_exempt_prefixes"`
	EscalationThreshold int           `json:"escalation_threshold"`
	EscalationWindow    time.Duration `json:"escalation_window"`
}

var config *Config
var once sync.Once

// Defaults for the suspicious-attempt escalation rule. The exact
// threshold and window are tunable via environment.
const (
	defaultEscalationThreshold = 3
	defaultEscalationWindow    = 24 * time.Hour
	defaultGeoLookupTimeout    = 2 * time.Second
)

var defaultExemptPrefixes = []string{"/static/", "/media/", "/health", "/favicon.ico"}

// LoadConfig loads the environment variables from a .env file if present,
// and returns a singleton Config instance.
func LoadConfig() *Config {
	once.Do(func() {
		// Missing .env is fine; environment may already be populated.
		if err := godotenv.Load(); err != nil {
			log.Printf("no .env file loaded: %v", err)
		}

		appPort, _ := strconv.ParseUint(os.Getenv("APPPORT"), 10, 16)
		dbPort, _ := strconv.ParseUint(os.Getenv("DBPORT"), 10, 16)

		config = &Config{
			AppName: os.Getenv("APPNAME"),
			AppEnv:  os.Getenv("APPENV"),
			AppPort: uint16(appPort),
			GinMode: os.Getenv("GINMODE"),
			DBHost:  os.Getenv("DBHOST"),
			DBPort:  uint16(dbPort),
			DBName:  os.Getenv("DBNAME"),
			DBUSER:  os.Getenv("DBUSER"),
			DBPass:  os.Getenv("DBPASS"),

			GeoFailOpen:         envBool("GEO_FAIL_OPEN", false),
			GeoLookupTimeout:    envSeconds("GEO_LOOKUP_TIMEOUT_SECONDS", defaultGeoLookupTimeout),
			GeoProviderURL:      os.Getenv("GEO_PROVIDER_URL"),
			GeoIPDBPath:         os.Getenv("GEOIP_DB_PATH"),
			GeoIPDownloadURL:    os.Getenv("GEOIP_DOWNLOAD_URL"),
			GeoExemptPrefixes:   envList("GEO_EXEMPT_PREFIXES", defaultExemptPrefixes),
			EscalationThreshold: envInt("ESCALATION_THRESHOLD", defaultEscalationThreshold),
			EscalationWindow:    envHours("ESCALATION_WINDOW_HOURS", defaultEscalationWindow),
		}
	})
	return config
}

// ResetConfigForTest clears the config singleton so tests can reload it
// with a different environment.
func ResetConfigForTest() {
	config = nil
	once = sync.Once{}
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func envHours(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Hour
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// ConnectMySQL establishes a connection to a MySQL database using the
// configuration values. In the test environment it opens an in-memory
// sqlite database instead so tests never need a running MySQL server.
func ConnectMySQL() (*gorm.DB, error) {
	cfg := LoadConfig()

	if cfg.AppEnv == "test" {
		return gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cfg.DBUSER, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}
