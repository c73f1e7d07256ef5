package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camctrl"
	"github.com/e7canasta/orion-care-sensor/modules/camctrl/internal/config"
)

func printBanner(cfg *config.Config, path, runID string) {
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║    camctrl-sim - Frame Control on Simulated Hardware         ║")
	fmt.Printf("║                    Version %-30s ║\n", version)
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Config File:     %s\n", path)
	fmt.Printf("  Run ID:          %s\n", runID)
	fmt.Printf("  Contexts:        %d\n", len(cfg.Contexts))
	for _, cc := range cfg.Contexts {
		extra := ""
		if len(cc.SubPipes) > 0 {
			extra = " + " + strings.Join(cc.SubPipes, ",")
		}
		if cc.Capture != "" {
			extra = " via " + cc.Capture
		}
		fmt.Printf("    - stream %-3d: %-11s %s%s @ %d fps\n", cc.StreamID, orDefault(cc.Mode, "normal"), cc.Raw, extra, cc.FPS)
	}
	if cfg.Sim.Frames > 0 {
		fmt.Printf("  Frames:          %d per context\n", cfg.Sim.Frames)
	} else {
		fmt.Println("  Frames:          until interrupted")
	}
	fmt.Printf("  Speed:           %.2fx\n", cfg.Sim.Speed)
	if cfg.Notify.MQTT.Broker != "" {
		fmt.Printf("  MQTT:            %s (%s)\n", cfg.Notify.MQTT.Broker, cfg.Notify.MQTT.TopicPrefix)
	}
	if cfg.Telemetry.Enabled {
		fmt.Printf("  Telemetry:       %s\n", cfg.Telemetry.Endpoint)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop gracefully")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// printStats prints a per-context summary of controller counters.
func printStats(st camctrl.Stats, results map[camctrl.FrameStatus]uint64) {
	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	fmt.Printf("│ Requests: %d normal, %d mismatch, %d error\n",
		results[camctrl.StatusNormal], results[camctrl.StatusMismatch], results[camctrl.StatusError])
	for _, cs := range st.Contexts {
		fmt.Println("├─────────────────────────────────────────────────────────────────┤")
		fmt.Printf("│ Stream %d (%s, %d exp)\n", cs.StreamID, cs.Mode, cs.Exposures)
		fmt.Printf("│   Sequences:      sensor %d  isp %d  dispatched %d  cq %d\n",
			cs.SensorSeq, cs.ISPSeq, cs.DispatchedSeq, cs.LastCQSeq)
		fmt.Printf("│   Frames:         %6d done  %6d mismatch  %6d recovered\n",
			cs.FramesDone, cs.Mismatch, cs.Recovered)
		fmt.Printf("│   Delays:         %6d sw  %6d hw  %6d cq\n", cs.SWDelay, cs.HWDelay, cs.SCQDelay)
		fmt.Printf("│   Queue:          %6d pending  %6d in flight  %6d drained\n",
			cs.Pending, cs.InFlight, cs.Drained)
		fmt.Printf("│   Sensor worker:  max depth %d  processed %d\n", cs.Sensor.MaxDepth, cs.Sensor.Processed)
		if cs.Cadence.Frames > 1 {
			fmt.Printf("│   Cadence:        %.2f fps (±%.2f)  jitter %v  stable %v\n",
				cs.Cadence.FPSMean, cs.Cadence.FPSStdDev, cs.Cadence.JitterMean.Round(time.Microsecond), cs.Cadence.Stable)
		}
		if cs.Errors > 0 {
			fmt.Printf("│   Errors:         %6d\n", cs.Errors)
		}
	}
	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
}
