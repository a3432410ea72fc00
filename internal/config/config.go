package config

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clinic/auditcore/internal/domain/alerting"
	"github.com/clinic/auditcore/internal/domain/auditlog"
	"github.com/clinic/auditcore/internal/domain/printing"
	"github.com/clinic/auditcore/internal/domain/retention"
	"github.com/clinic/auditcore/internal/platform/watermark"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	JWTSigningKey string   `mapstructure:"JWT_SIGNING_KEY"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	StoreBackend  string   `mapstructure:"STORE_BACKEND"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema      string   `mapstructure:"DB_SCHEMA"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	// TrustedProxies lists CIDRs whose X-Forwarded-For is believed.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	PrintBodyLimit string        `mapstructure:"PRINT_BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	// AccessAuditResources is a comma separated list of prefix=kind pairs.
	AccessAuditResources string `mapstructure:"ACCESS_AUDIT_RESOURCES"`

	ReportTimezone         string        `mapstructure:"REPORT_TIMEZONE"`
	MetricsTrendDays       int           `mapstructure:"METRICS_TREND_DAYS"`
	MetricsRefreshInterval time.Duration `mapstructure:"METRICS_REFRESH_INTERVAL"`
	ObserverBuffer         int           `mapstructure:"OBSERVER_BUFFER"`

	PrintJustificationRequired  bool          `mapstructure:"PRINT_JUSTIFICATION_REQUIRED"`
	PrintJustificationMinLength int           `mapstructure:"PRINT_JUSTIFICATION_MIN_LENGTH"`
	PrintAllowedUrgencies       string        `mapstructure:"PRINT_ALLOWED_URGENCIES"`
	PrintOverlayPosition        string        `mapstructure:"PRINT_OVERLAY_POSITION"`
	PrintSpoolTTL               time.Duration `mapstructure:"PRINT_SPOOL_TTL"`
	WatermarkTemplate           string        `mapstructure:"WATERMARK_TEMPLATE"`

	AuditRetentionDays int `mapstructure:"AUDIT_RETENTION_DAYS"`
	AlertRetentionDays int `mapstructure:"ALERT_RETENTION_DAYS"`

	AlertSweepInterval              time.Duration `mapstructure:"ALERT_SWEEP_INTERVAL"`
	AlertFailedAccessThreshold      int           `mapstructure:"ALERT_FAILED_ACCESS_THRESHOLD"`
	AlertFailedAccessWindow         time.Duration `mapstructure:"ALERT_FAILED_ACCESS_WINDOW"`
	AlertBulkAccessThreshold        int           `mapstructure:"ALERT_BULK_ACCESS_THRESHOLD"`
	AlertBulkAccessWindow           time.Duration `mapstructure:"ALERT_BULK_ACCESS_WINDOW"`
	AlertBulkPrintThreshold         int           `mapstructure:"ALERT_BULK_PRINT_THRESHOLD"`
	AlertBulkPrintWindow            time.Duration `mapstructure:"ALERT_BULK_PRINT_WINDOW"`
	AlertDistinctResourcesThreshold int           `mapstructure:"ALERT_DISTINCT_RESOURCES_THRESHOLD"`
	AlertDistinctResourcesWindow    time.Duration `mapstructure:"ALERT_DISTINCT_RESOURCES_WINDOW"`
	AlertSessionOverlapWindow       time.Duration `mapstructure:"ALERT_SESSION_OVERLAP_WINDOW"`
	AlertOriginLookback             time.Duration `mapstructure:"ALERT_ORIGIN_LOOKBACK"`
	AlertOriginMinHistory           int           `mapstructure:"ALERT_ORIGIN_MIN_HISTORY"`
	AlertBusinessHoursStart         int           `mapstructure:"ALERT_BUSINESS_HOURS_START"`
	AlertBusinessHoursEnd           int           `mapstructure:"ALERT_BUSINESS_HOURS_END"`
	// AlertModificationRoles is "kind=role|role;kind=role".
	AlertModificationRoles string `mapstructure:"ALERT_MODIFICATION_ROLES"`

	AlertWebhookURL    string `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `mapstructure:"ALERT_WEBHOOK_SECRET"`
	AlertKafkaBrokers  string `mapstructure:"ALERT_KAFKA_BROKERS"`
	AlertKafkaTopic    string `mapstructure:"ALERT_KAFKA_TOPIC"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "JWT_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AUTH_JWKS_URL", "STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "CORS_ORIGINS",
	"TRUSTED_PROXIES", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "PRINT_BODY_LIMIT", "REQUEST_TIMEOUT",
	"ACCESS_AUDIT_RESOURCES", "REPORT_TIMEZONE", "METRICS_TREND_DAYS", "METRICS_REFRESH_INTERVAL",
	"OBSERVER_BUFFER", "PRINT_JUSTIFICATION_REQUIRED", "PRINT_JUSTIFICATION_MIN_LENGTH",
	"PRINT_ALLOWED_URGENCIES", "PRINT_OVERLAY_POSITION", "PRINT_SPOOL_TTL", "WATERMARK_TEMPLATE",
	"AUDIT_RETENTION_DAYS", "ALERT_RETENTION_DAYS", "ALERT_SWEEP_INTERVAL",
	"ALERT_FAILED_ACCESS_THRESHOLD", "ALERT_FAILED_ACCESS_WINDOW",
	"ALERT_BULK_ACCESS_THRESHOLD", "ALERT_BULK_ACCESS_WINDOW",
	"ALERT_BULK_PRINT_THRESHOLD", "ALERT_BULK_PRINT_WINDOW",
	"ALERT_DISTINCT_RESOURCES_THRESHOLD", "ALERT_DISTINCT_RESOURCES_WINDOW",
	"ALERT_SESSION_OVERLAP_WINDOW", "ALERT_ORIGIN_LOOKBACK", "ALERT_ORIGIN_MIN_HISTORY",
	"ALERT_BUSINESS_HOURS_START", "ALERT_BUSINESS_HOURS_END", "ALERT_MODIFICATION_ROLES",
	"ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET", "ALERT_KAFKA_BROKERS", "ALERT_KAFKA_TOPIC",
}

func setDefaults(v *viper.Viper) {
	th := alerting.DefaultThresholds()
	pp := printing.DefaultPolicy()
	rp := retention.DefaultPolicy()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV when empty
	v.SetDefault("STORE_BACKEND", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("PRINT_BODY_LIMIT", "10M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("ACCESS_AUDIT_RESOURCES", "/api/v1/audit/facts=audit_fact,/api/v1/audit/export.csv=audit_export,/api/v1/security/alerts=security_alert,/api/v1/print/jobs=print_job")

	v.SetDefault("REPORT_TIMEZONE", "UTC")
	v.SetDefault("METRICS_TREND_DAYS", 7)
	v.SetDefault("METRICS_REFRESH_INTERVAL", "30s")
	v.SetDefault("OBSERVER_BUFFER", 1024)

	v.SetDefault("PRINT_JUSTIFICATION_REQUIRED", pp.JustificationRequired)
	v.SetDefault("PRINT_JUSTIFICATION_MIN_LENGTH", pp.MinJustificationLength)
	v.SetDefault("PRINT_ALLOWED_URGENCIES", "low,normal,high,emergency")
	v.SetDefault("PRINT_OVERLAY_POSITION", string(pp.OverlayPosition))
	v.SetDefault("PRINT_SPOOL_TTL", "15m")
	v.SetDefault("WATERMARK_TEMPLATE", watermark.DefaultTemplate)

	v.SetDefault("AUDIT_RETENTION_DAYS", rp.AuditDays)
	v.SetDefault("ALERT_RETENTION_DAYS", rp.AlertDays)

	v.SetDefault("ALERT_SWEEP_INTERVAL", "1m")
	v.SetDefault("ALERT_FAILED_ACCESS_THRESHOLD", th.FailedAccessCount)
	v.SetDefault("ALERT_FAILED_ACCESS_WINDOW", th.FailedAccessWindow.String())
	v.SetDefault("ALERT_BULK_ACCESS_THRESHOLD", th.BulkAccessCount)
	v.SetDefault("ALERT_BULK_ACCESS_WINDOW", th.BulkAccessWindow.String())
	v.SetDefault("ALERT_BULK_PRINT_THRESHOLD", th.BulkPrintCount)
	v.SetDefault("ALERT_BULK_PRINT_WINDOW", th.BulkPrintWindow.String())
	v.SetDefault("ALERT_DISTINCT_RESOURCES_THRESHOLD", th.DistinctResourceCount)
	v.SetDefault("ALERT_DISTINCT_RESOURCES_WINDOW", th.DistinctResourceWindow.String())
	v.SetDefault("ALERT_SESSION_OVERLAP_WINDOW", th.SessionOverlapWindow.String())
	v.SetDefault("ALERT_ORIGIN_LOOKBACK", th.OriginLookback.String())
	v.SetDefault("ALERT_ORIGIN_MIN_HISTORY", th.OriginMinHistory)
	v.SetDefault("ALERT_BUSINESS_HOURS_START", th.BusinessHoursStart)
	v.SetDefault("ALERT_BUSINESS_HOURS_END", th.BusinessHoursEnd)
	v.SetDefault("ALERT_MODIFICATION_ROLES", "diagnosis=physician;prescription=physician;lab_result=physician|lab_technician")
	v.SetDefault("ALERT_KAFKA_TOPIC", "security-alerts")
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()
	setDefaults(v)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active: requests without X-Dev-* headers act as admin.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE, or infers it: development under
// ENV=development, otherwise jwt.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed when ENV=production")
		}
	case "jwt":
		if c.JWTSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires JWT_SIGNING_KEY or AUTH_JWKS_URL")
		}
		if c.IsProduction() && c.JWTSigningKey != "" && len(c.JWTSigningKey) < 32 {
			return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.StoreBackend {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("STORE_BACKEND=memory is not allowed in production")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be \"memory\" or \"postgres\", got %q", c.StoreBackend)
	}

	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	if _, err := c.TrustedProxyNets(); err != nil {
		return err
	}
	if c.MetricsTrendDays < 1 || c.MetricsTrendDays > 90 {
		return fmt.Errorf("METRICS_TREND_DAYS must be between 1 and 90, got %d", c.MetricsTrendDays)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	return nil
}

// Policy is the policy store surface: alert thresholds, print policy,
// watermark template, retention windows and the reporting time zone.
type Policy struct {
	Location          *time.Location
	Thresholds        alerting.Thresholds
	Print             printing.Policy
	WatermarkTemplate string
	Retention         retention.Policy
	TrendDays         int
}

// Policy projects the configuration onto the domain policy types.
func (c *Config) Policy() (Policy, error) {
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return Policy{}, fmt.Errorf("REPORT_TIMEZONE: %w", err)
	}

	roles, err := ParseModificationRoles(c.AlertModificationRoles)
	if err != nil {
		return Policy{}, err
	}
	if c.AlertBusinessHoursStart < 0 || c.AlertBusinessHoursEnd > 24 || c.AlertBusinessHoursStart >= c.AlertBusinessHoursEnd {
		return Policy{}, fmt.Errorf("business hours must satisfy 0 <= start < end <= 24, got %d-%d",
			c.AlertBusinessHoursStart, c.AlertBusinessHoursEnd)
	}
	th := alerting.Thresholds{
		FailedAccessCount:      c.AlertFailedAccessThreshold,
		FailedAccessWindow:     c.AlertFailedAccessWindow,
		BulkAccessCount:        c.AlertBulkAccessThreshold,
		BulkAccessWindow:       c.AlertBulkAccessWindow,
		DistinctResourceCount:  c.AlertDistinctResourcesThreshold,
		DistinctResourceWindow: c.AlertDistinctResourcesWindow,
		BulkPrintCount:         c.AlertBulkPrintThreshold,
		BulkPrintWindow:        c.AlertBulkPrintWindow,
		SessionOverlapWindow:   c.AlertSessionOverlapWindow,
		OriginLookback:         c.AlertOriginLookback,
		OriginMinHistory:       c.AlertOriginMinHistory,
		BusinessHoursStart:     c.AlertBusinessHoursStart,
		BusinessHoursEnd:       c.AlertBusinessHoursEnd,
		Location:               loc,
		ModificationRoles:      roles,
	}

	urgencies, err := ParseUrgencies(c.PrintAllowedUrgencies)
	if err != nil {
		return Policy{}, err
	}
	pos := watermark.Position(c.PrintOverlayPosition)
	if !watermark.ValidPosition(pos) {
		return Policy{}, fmt.Errorf("PRINT_OVERLAY_POSITION must be diagonal, header or footer, got %q", pos)
	}
	if c.PrintJustificationMinLength < 0 {
		return Policy{}, fmt.Errorf("PRINT_JUSTIFICATION_MIN_LENGTH must not be negative")
	}

	ret := retention.Policy{AuditDays: c.AuditRetentionDays, AlertDays: c.AlertRetentionDays}
	if err := ret.Validate(); err != nil {
		return Policy{}, err
	}

	return Policy{
		Location:   loc,
		Thresholds: th,
		Print: printing.Policy{
			JustificationRequired:  c.PrintJustificationRequired,
			MinJustificationLength: c.PrintJustificationMinLength,
			AllowedUrgencies:       urgencies,
			OverlayPosition:        pos,
		},
		WatermarkTemplate: c.WatermarkTemplate,
		Retention:         ret,
		TrendDays:         c.MetricsTrendDays,
	}, nil
}

// ParseModificationRoles parses "kind=role|role;kind=role".
func ParseModificationRoles(s string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kind, list, ok := strings.Cut(entry, "=")
		kind = strings.TrimSpace(kind)
		if !ok || kind == "" {
			return nil, fmt.Errorf("ALERT_MODIFICATION_ROLES: malformed entry %q", entry)
		}
		var roles []string
		for _, r := range strings.Split(list, "|") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("ALERT_MODIFICATION_ROLES: %q lists no roles", kind)
		}
		out[kind] = roles
	}
	return out, nil
}

// ParseUrgencies parses a comma separated urgency list.
func ParseUrgencies(s string) ([]auditlog.Urgency, error) {
	var out []auditlog.Urgency
	for _, part := range strings.Split(s, ",") {
		u := auditlog.Urgency(strings.TrimSpace(part))
		if u == "" {
			continue
		}
		if !u.Valid() {
			return nil, fmt.Errorf("PRINT_ALLOWED_URGENCIES: unknown urgency %q", u)
		}
		out = append(out, u)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("PRINT_ALLOWED_URGENCIES must list at least one urgency")
	}
	return out, nil
}

// ParseResources parses ACCESS_AUDIT_RESOURCES into prefix -> kind.
func ParseResources(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, kind, ok := strings.Cut(entry, "=")
		prefix, kind = strings.TrimSpace(prefix), strings.TrimSpace(kind)
		if !ok || !strings.HasPrefix(prefix, "/") || kind == "" {
			return nil, fmt.Errorf("ACCESS_AUDIT_RESOURCES: malformed entry %q", entry)
		}
		out[prefix] = kind
	}
	return out, nil
}

// KafkaBrokers splits ALERT_KAFKA_BROKERS.
func (c *Config) KafkaBrokers() []string {
	var out []string
	for _, b := range strings.Split(c.AlertKafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TrustedProxyNets parses TRUSTED_PROXIES. Bare addresses are taken as single
// host ranges.
func (c *Config) TrustedProxyNets() ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, entry := range strings.Split(c.TrustedProxies, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", entry)
			}
			bits := 128
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		out = append(out, ipNet)
	}
	return out, nil
}
