package syncer

import (
	"os"

	"gopkg.in/yaml.v3"
)

type SourceConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type CalendarConfig struct {
	URL      string `yaml:"url"`
	Path     string `yaml:"path"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Server  string `yaml:"server"`
	Topic   string `yaml:"topic"`
}

type SyncConfig struct {
	DaysPast       int    `yaml:"days_past"`
	DaysAhead      int    `yaml:"days_ahead"`
	GuardBandHours int    `yaml:"guard_band_hours"`
	IngestCron     string `yaml:"ingest"`
	ProjectCron    string `yaml:"project"`
	NotifyCron     string `yaml:"notify"`
}

type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type DashboardConfig struct {
	Listen    string           `yaml:"listen"`
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`
}

type RetentionConfig struct {
	ChangeDays int `yaml:"change_days"`
	EventDays  int `yaml:"event_days"`
}

type FileConfig struct {
	DB       string          `yaml:"db"`
	Debug    bool            `yaml:"debug"`
	Timezone string          `yaml:"timezone"`
	Source   SourceConfig    `yaml:"source"`
	Calendar CalendarConfig  `yaml:"calendar"`
	Notify   NotifyConfig    `yaml:"notify"`
	Sync     SyncConfig      `yaml:"sync"`
	Dash     DashboardConfig `yaml:"dashboard"`
	Retain   RetentionConfig `yaml:"retention"`
}

// Normalize fills in missing values so partially-filled configs still
// behave.
func (c *FileConfig) Normalize() {
	if c.DB == "" {
		c.DB = "shift-sync.db"
	}
	if c.Notify.Server == "" {
		c.Notify.Server = "https://ntfy.sh"
	}
	if c.Sync.DaysPast <= 0 {
		c.Sync.DaysPast = 7
	}
	if c.Sync.DaysAhead <= 0 {
		c.Sync.DaysAhead = 90
	}
	if c.Sync.GuardBandHours <= 0 {
		c.Sync.GuardBandHours = 24
	}
	if c.Sync.IngestCron == "" {
		c.Sync.IngestCron = "0 * * * *"
	}
	if c.Sync.ProjectCron == "" {
		c.Sync.ProjectCron = "*/15 * * * *"
	}
	if c.Sync.NotifyCron == "" {
		c.Sync.NotifyCron = "2,17,32,47 * * * *"
	}
	if c.Retain.ChangeDays <= 0 {
		c.Retain.ChangeDays = 30
	}
	if c.Retain.EventDays <= 0 {
		c.Retain.EventDays = 730
	}
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}
