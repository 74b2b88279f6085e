package device

import (
	"fmt"
	"time"

	"github.com/emergingrobotics/go-rocket/pkg/core"
	"github.com/emergingrobotics/go-rocket/pkg/driver"
)

// CorePolicy selects the core for jobs submitted without a core hint
type CorePolicy int

const (
	// RoundRobin spreads unhinted jobs over every core
	RoundRobin CorePolicy = iota
	// Fixed sends unhinted jobs to Config.FixedCore
	Fixed
)

// String returns the policy name
func (p CorePolicy) String() string {
	switch p {
	case RoundRobin:
		return "round-robin"
	case Fixed:
		return "fixed"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseCorePolicy parses the name returned by CorePolicy.String
func ParseCorePolicy(s string) (CorePolicy, error) {
	switch s {
	case "round-robin", "rr":
		return RoundRobin, nil
	case "fixed":
		return Fixed, nil
	default:
		return 0, driver.NewError(driver.StatusInvalidArgument, "unknown core policy "+s)
	}
}

// Config holds device options
type Config struct {
	NumCores         int
	HangTimeout      time.Duration
	ResetSettleDelay time.Duration
	CorePolicy       CorePolicy
	FixedCore        int
	// Priority of the scheduling entities of new files
	Priority driver.Priority
}

// DefaultConfig returns the RK3588 configuration
func DefaultConfig() Config {
	c := core.DefaultConfig()
	return Config{
		NumCores:         driver.MaxNumCores,
		HangTimeout:      c.HangTimeout,
		ResetSettleDelay: c.ResetSettleDelay,
		CorePolicy:       RoundRobin,
		Priority:         driver.PriorityNormal,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.NumCores < 1 || c.NumCores > driver.MaxNumCores {
		return driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("core count %d out of range 1..%d", c.NumCores, driver.MaxNumCores))
	}
	if c.HangTimeout <= 0 {
		return driver.NewError(driver.StatusInvalidArgument, "hang timeout must be positive")
	}
	if c.ResetSettleDelay < 0 {
		return driver.NewError(driver.StatusInvalidArgument, "reset settle delay cannot be negative")
	}
	switch c.CorePolicy {
	case RoundRobin:
	case Fixed:
		if c.FixedCore < 0 || c.FixedCore >= c.NumCores {
			return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("fixed core %d out of range", c.FixedCore))
		}
	default:
		return driver.NewError(driver.StatusInvalidArgument, "unknown core policy "+c.CorePolicy.String())
	}
	if c.Priority < 0 || c.Priority >= driver.NumPriorities {
		return driver.NewError(driver.StatusInvalidArgument, "priority out of range")
	}
	return nil
}

func (c Config) coreConfig() core.Config {
	return core.Config{
		HangTimeout:      c.HangTimeout,
		ResetSettleDelay: c.ResetSettleDelay,
	}
}
