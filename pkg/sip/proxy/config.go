package proxy

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TimerC таймаут INVITE-ветки прокси (RFC 3261 §16.6, не менее 3 минут)
const TimerC = 180 * time.Second

// Config конфигурация прокси
type Config struct {
	// Hostname имя прокси в Via и Record-Route
	Hostname string
	// Network транспорт для прослушивания: udp, tcp
	Network    string
	ListenAddr string
	// AdvertisedPort порт в Via и Record-Route, по умолчанию порт ListenAddr
	AdvertisedPort int

	// Domains домены, за которые прокси отвечает как registrar/location
	Domains []string
	// RoutesFile путь к YAML таблице маршрутов
	RoutesFile string

	RecordRoute bool
	// ParallelForking false означает последовательный перебор батчей по q
	ParallelForking bool
	TimerC          time.Duration
	// EventQueueSize размер очереди событий одного контекста запроса
	EventQueueSize int

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Hostname:        "127.0.0.1",
		Network:         "udp",
		ListenAddr:      "0.0.0.0:5060",
		RecordRoute:     true,
		ParallelForking: true,
		TimerC:          TimerC,
		EventQueueSize:  64,
		MetricsAddr:     ":9090",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// LoadConfig читает конфигурацию из окружения. Если envFile не пустой,
// переменные сначала подгружаются из него; уже заданные переменные
// окружения не перезаписываются.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("ошибка чтения %s: %w", envFile, err)
		}
	}

	def := DefaultConfig()
	cfg := Config{
		Hostname:        getenv("SIP_PROXY_HOSTNAME", def.Hostname),
		Network:         strings.ToLower(getenv("SIP_PROXY_NETWORK", def.Network)),
		ListenAddr:      getenv("SIP_PROXY_LISTEN", def.ListenAddr),
		AdvertisedPort:  parseInt(getenv("SIP_PROXY_PORT", ""), def.AdvertisedPort),
		Domains:         splitList(getenv("SIP_PROXY_DOMAINS", "")),
		RoutesFile:      getenv("SIP_PROXY_ROUTES", def.RoutesFile),
		RecordRoute:     parseBool(getenv("SIP_PROXY_RECORD_ROUTE", ""), def.RecordRoute),
		ParallelForking: parseBool(getenv("SIP_PROXY_PARALLEL", ""), def.ParallelForking),
		TimerC:          parseDuration(getenv("SIP_PROXY_TIMER_C", ""), def.TimerC),
		EventQueueSize:  parseInt(getenv("SIP_PROXY_QUEUE_SIZE", ""), def.EventQueueSize),
		MetricsAddr:     getenv("SIP_PROXY_METRICS_ADDR", def.MetricsAddr),
		LogLevel:        strings.ToLower(getenv("SIP_PROXY_LOG_LEVEL", def.LogLevel)),
		LogFormat:       strings.ToLower(getenv("SIP_PROXY_LOG_FORMAT", def.LogFormat)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет конфигурацию и дополняет вычисляемые поля
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return ErrInvalidConfig("hostname", "не задан")
	}
	switch c.Network {
	case "udp", "tcp":
	default:
		return ErrInvalidConfig("network", fmt.Sprintf("неподдерживаемый транспорт %q", c.Network))
	}
	if c.AdvertisedPort == 0 {
		idx := strings.LastIndexByte(c.ListenAddr, ':')
		if idx < 0 {
			return ErrInvalidConfig("listen", fmt.Sprintf("нет порта в %q", c.ListenAddr))
		}
		port, err := strconv.Atoi(c.ListenAddr[idx+1:])
		if err != nil || port <= 0 || port > 65535 {
			return ErrInvalidConfig("listen", fmt.Sprintf("некорректный порт в %q", c.ListenAddr))
		}
		c.AdvertisedPort = port
	}
	if c.TimerC <= 0 {
		return ErrInvalidConfig("timer_c", "должен быть положительным")
	}
	if c.EventQueueSize <= 0 {
		return ErrInvalidConfig("queue_size", "должен быть положительным")
	}
	return nil
}

// Transport возвращает транспорт в верхнем регистре для Via
func (c Config) Transport() string {
	return strings.ToUpper(c.Network)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
