package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psfalgo/quant-engine/internal/chaos"
	"github.com/psfalgo/quant-engine/internal/observ"
	"github.com/psfalgo/quant-engine/internal/stream"
)

type Exposure struct {
	MaxGrossExposurePct float64 `yaml:"max_gross_exposure_pct"`
}

type IntentArbitration struct {
	CapRecoveryTargetGross float64 `yaml:"cap_recovery_target_gross"`
	MMOvernightMaxPct      float64 `yaml:"mm_overnight_max_pct"`
	SoftSuppressThreshold  float64 `yaml:"soft_suppress_threshold"`
}

type MaxalwRule struct {
	ADVDivisor float64 `yaml:"adv_divisor"`
}

type DailyAddRule struct {
	LimitMultiplier float64 `yaml:"limit_multiplier"`
}

type Change3hRule struct {
	LimitMultiplier float64 `yaml:"limit_multiplier"`
}

type PsfalgoRules struct {
	Maxalw         MaxalwRule   `yaml:"maxalw"`
	DailyAdd       DailyAddRule `yaml:"daily_add"`
	Change3h       Change3hRule `yaml:"change_3h"`
	StaticDataPath string       `yaml:"static_data_path"`
}

type Paper struct {
	Seed         int64   `yaml:"seed"`
	LatencyMsMin int     `yaml:"latency_ms_min"`
	LatencyMsMax int     `yaml:"latency_ms_max"`
	SlippageBps  float64 `yaml:"slippage_bps"`
	MaxPartials  int     `yaml:"max_partials"`
}

type Broker struct {
	Mode  string `yaml:"mode"` // paper only for now
	Paper Paper  `yaml:"paper"`
}

type Engine struct {
	BatchWindowMs     int     `yaml:"batch_window_ms"`
	OrdersPerSec      float64 `yaml:"orders_per_sec"`
	OrderBurst        int     `yaml:"order_burst"`
	RegistryCapacity  int     `yaml:"registry_capacity"`
	PositionStatePath string  `yaml:"position_state_path"`
	AuditLogPath      string  `yaml:"audit_log_path"`
}

type Observability struct {
	ListenAddr string           `yaml:"listen_addr"`
	Logging    observ.LogConfig `yaml:"logging"`
}

type Root struct {
	Exposure          Exposure          `yaml:"exposure"`
	IntentArbitration IntentArbitration `yaml:"intent_arbitration"`
	PsfalgoRules      PsfalgoRules      `yaml:"psfalgo_rules"`
	Engine            Engine            `yaml:"engine"`
	Broker            Broker            `yaml:"broker"`
	Stream            stream.Config     `yaml:"stream"`
	Chaos             chaos.Config      `yaml:"chaos"`
	Observability     Observability     `yaml:"observability"`
}

// Load reads the yaml file and fills zero fields with working defaults.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	if err := c.Chaos.Validate(); err != nil {
		return c, err
	}
	if c.Broker.Mode != "paper" {
		return c, fmt.Errorf("unsupported broker mode %q", c.Broker.Mode)
	}
	return c, nil
}

// Default returns a runnable configuration without a file, for tools and
// tests.
func Default() Root {
	var c Root
	c.applyDefaults()
	return c
}

func (c *Root) applyDefaults() {
	if c.Exposure.MaxGrossExposurePct == 0 {
		c.Exposure.MaxGrossExposurePct = 130
	}
	if c.IntentArbitration.SoftSuppressThreshold == 0 {
		c.IntentArbitration.SoftSuppressThreshold = 120
	}
	if c.IntentArbitration.CapRecoveryTargetGross == 0 {
		c.IntentArbitration.CapRecoveryTargetGross = 125
	}
	if c.IntentArbitration.MMOvernightMaxPct == 0 {
		c.IntentArbitration.MMOvernightMaxPct = 15
	}

	if c.PsfalgoRules.Maxalw.ADVDivisor == 0 {
		c.PsfalgoRules.Maxalw.ADVDivisor = 10
	}
	if c.PsfalgoRules.DailyAdd.LimitMultiplier == 0 {
		c.PsfalgoRules.DailyAdd.LimitMultiplier = 0.75
	}
	if c.PsfalgoRules.Change3h.LimitMultiplier == 0 {
		c.PsfalgoRules.Change3h.LimitMultiplier = 0.50
	}

	if c.Engine.BatchWindowMs == 0 {
		c.Engine.BatchWindowMs = 1000
	}
	if c.Engine.OrdersPerSec == 0 {
		c.Engine.OrdersPerSec = 20
	}
	if c.Engine.OrderBurst == 0 {
		c.Engine.OrderBurst = 5
	}

	if c.Broker.Mode == "" {
		c.Broker.Mode = "paper"
	}
	if c.Broker.Paper.LatencyMsMin == 0 {
		c.Broker.Paper.LatencyMsMin = 5
	}
	if c.Broker.Paper.LatencyMsMax == 0 {
		c.Broker.Paper.LatencyMsMax = 50
	}
	if c.Broker.Paper.SlippageBps == 0 {
		c.Broker.Paper.SlippageBps = 2
	}
	if c.Broker.Paper.MaxPartials == 0 {
		c.Broker.Paper.MaxPartials = 3
	}

	if c.Observability.ListenAddr == "" {
		c.Observability.ListenAddr = ":9090"
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
}

// BatchWindow returns the arbitration tick as a duration.
func (c Root) BatchWindow() time.Duration {
	return time.Duration(c.Engine.BatchWindowMs) * time.Millisecond
}
