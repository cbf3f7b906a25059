package worker

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Conditions gates worker spawn on system load. Zero values disable the
// corresponding check.
type Conditions struct {
	CPUBelow      int     // percent
	MemoryBelow   int     // percent
	LoadAvgBelow  float64 // 1-minute load average
	MaxPostpone   time.Duration
	CheckInterval time.Duration
}

// check verifies all configured conditions, returns false with reason otherwise
func (c *Conditions) check() (bool, string) {
	if c.CPUBelow > 0 {
		cpuPercent, err := cpu.Percent(time.Second, false)
		if err != nil {
			return false, fmt.Sprintf("failed to get CPU: %v", err)
		}
		if len(cpuPercent) == 0 {
			return false, "no CPU data available"
		}
		if current := int(cpuPercent[0]); current >= c.CPUBelow {
			return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, c.CPUBelow)
		}
	}

	if c.MemoryBelow > 0 {
		v, err := mem.VirtualMemory()
		if err != nil {
			return false, fmt.Sprintf("failed to get memory: %v", err)
		}
		if current := int(v.UsedPercent); current >= c.MemoryBelow {
			return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, c.MemoryBelow)
		}
	}

	if c.LoadAvgBelow > 0 {
		loads, err := load.Avg()
		if err != nil {
			return false, fmt.Sprintf("failed to get load average: %v", err)
		}
		if loads.Load1 >= c.LoadAvgBelow {
			return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, c.LoadAvgBelow)
		}
	}

	return true, ""
}

// wait blocks until the conditions are met, the postpone deadline passes, or
// the context is canceled. Returns true if the worker should be spawned.
func (c *Conditions) wait(ctx context.Context, sessionID string) bool {
	met, reason := c.check()
	if met {
		return true
	}

	if c.MaxPostpone <= 0 {
		log.Printf("[INFO] worker spawn skipped for session %s, reason: %s", sessionID, reason)
		return false
	}

	checkInterval := c.CheckInterval
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second
	}
	log.Printf("[INFO] worker spawn postponed for session %s, reason: %s, deadline: %s",
		sessionID, reason, time.Now().Add(c.MaxPostpone).Format(time.RFC3339))

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.MaxPostpone)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if met, reason = c.check(); met {
				return true
			}
			log.Printf("[DEBUG] conditions not met yet for session %s: %s", sessionID, reason)
		case <-deadline.C:
			log.Printf("[WARN] max postpone reached, spawning worker for session %s anyway", sessionID)
			return true
		case <-ctx.Done():
			log.Printf("[INFO] postponed worker spawn canceled for session %s", sessionID)
			return false
		}
	}
}
