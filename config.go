package voicewire

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// QueueConfig bounds one audio queue. Zero limits mean unbounded.
type QueueConfig struct {
	MaxQueueMs     float64    `yaml:"maxQueueMs"`
	MaxQueueChunks int        `yaml:"maxQueueChunks"`
	DropPolicy     DropPolicy `yaml:"dropPolicy"`
}

// ReconnectConfig shapes the exponential backoff used after abnormal
// closes. delay = min(maxDelayMs, baseDelayMs * factor^(attempt-1)),
// jittered by +/- jitterPct.
type ReconnectConfig struct {
	BaseDelayMs int     `yaml:"baseDelayMs"`
	Factor      float64 `yaml:"factor"`
	MaxDelayMs  int     `yaml:"maxDelayMs"`
	JitterPct   float64 `yaml:"jitterPct"`
	MaxRetries  int     `yaml:"maxRetries"`
}

// Config is an immutable configuration snapshot for one conversation.
// Unknown YAML keys are ignored rather than rejected.
type Config struct {
	APIKey   string `yaml:"apiKey"`
	Model    string `yaml:"model"`
	Endpoint string `yaml:"endpoint"`

	// Wire audio rates. Input is what the service expects from the mic,
	// output is the default for inline audio parts without a rate param.
	InputSampleRate  int `yaml:"inputSampleRate"`
	OutputSampleRate int `yaml:"outputSampleRate"`

	Reconnect        ReconnectConfig `yaml:"reconnect"`
	ConnectTimeoutMs int             `yaml:"connectTimeoutMs"`

	InputQueue  QueueConfig `yaml:"inputQueue"`
	OutputQueue QueueConfig `yaml:"outputQueue"`

	MinSendIntervalMs int `yaml:"minSendIntervalMs"`
	StartBufferMs     int `yaml:"startBufferMs"`
	MicResumeDelayMs  int `yaml:"micResumeDelayMs"`
	PlaybackGraceMs   int `yaml:"playbackGraceMs"`

	MaxConsecutiveErrors int `yaml:"maxConsecutiveErrors"`
	ErrorCooldownMs      int `yaml:"errorCooldownMs"`

	UseClientVAD             bool `yaml:"useClientVAD"`
	AutoStartMicOnConnect    bool `yaml:"autoStartMicOnConnect"`
	PreferLowLatencyCapture  bool `yaml:"preferLowLatencyCapture"`
	RestartMicOnDeviceChange bool `yaml:"restartMicOnDeviceChange"`
	DeviceSettleDelayMs      int  `yaml:"deviceSettleDelayMs"`

	// Optional persistence collaborator. Empty URL disables batching.
	PersistURL          string `yaml:"persistURL"`
	PersistFlushSeconds int    `yaml:"persistFlushSeconds"`
}

// DefaultConfig returns the documented defaults for a live conversation.
func DefaultConfig() Config {
	return Config{
		Endpoint:         "wss://speech.bt-bridge.dev/v1/live",
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
		Reconnect: ReconnectConfig{
			BaseDelayMs: 500,
			Factor:      2,
			MaxDelayMs:  15000,
			JitterPct:   0.2,
			MaxRetries:  5,
		},
		ConnectTimeoutMs: 10000,
		InputQueue: QueueConfig{
			MaxQueueMs:     3000,
			MaxQueueChunks: 50,
			DropPolicy:     DropOldest,
		},
		OutputQueue: QueueConfig{
			MaxQueueMs:     30000,
			MaxQueueChunks: 200,
			DropPolicy:     DropOldest,
		},
		MinSendIntervalMs:        30,
		StartBufferMs:            60,
		MicResumeDelayMs:         250,
		PlaybackGraceMs:          150,
		MaxConsecutiveErrors:     3,
		ErrorCooldownMs:          1000,
		AutoStartMicOnConnect:    true,
		PreferLowLatencyCapture:  true,
		RestartMicOnDeviceChange: true,
		DeviceSettleDelayMs:      300,
		PersistFlushSeconds:      10,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run at all. Queue limits of
// zero are legal (unbounded).
func (c Config) Validate() error {
	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive (input=%d output=%d)", c.InputSampleRate, c.OutputSampleRate)
	}
	if c.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect factor must be >= 1 (got %g)", c.Reconnect.Factor)
	}
	if c.Reconnect.JitterPct < 0 || c.Reconnect.JitterPct > 1 {
		return fmt.Errorf("reconnect jitterPct must be in [0,1] (got %g)", c.Reconnect.JitterPct)
	}
	switch c.InputQueue.DropPolicy {
	case DropOldest, DropNewest, DropAll, "":
	default:
		return fmt.Errorf("unknown input drop policy %q", c.InputQueue.DropPolicy)
	}
	switch c.OutputQueue.DropPolicy {
	case DropOldest, DropNewest, DropAll, "":
	default:
		return fmt.Errorf("unknown output drop policy %q", c.OutputQueue.DropPolicy)
	}
	return nil
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c Config) minSendInterval() time.Duration {
	if c.MinSendIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.MinSendIntervalMs) * time.Millisecond
}

func (c Config) errorCooldown() time.Duration {
	if c.ErrorCooldownMs <= 0 {
		return time.Second
	}
	return time.Duration(c.ErrorCooldownMs) * time.Millisecond
}

func (c Config) startBuffer() time.Duration {
	return time.Duration(c.StartBufferMs) * time.Millisecond
}

func (c Config) playbackGrace() time.Duration {
	if c.PlaybackGraceMs <= 0 {
		return 150 * time.Millisecond
	}
	return time.Duration(c.PlaybackGraceMs) * time.Millisecond
}

func (c Config) micResumeDelay() time.Duration {
	return time.Duration(c.MicResumeDelayMs) * time.Millisecond
}

func (c Config) deviceSettleDelay() time.Duration {
	if c.DeviceSettleDelayMs <= 0 {
		return 300 * time.Millisecond
	}
	return time.Duration(c.DeviceSettleDelayMs) * time.Millisecond
}
