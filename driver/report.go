package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// WriteCSVReport writes an A/B report to the given path or directory.
// If reportPath is a directory, it creates a timestamped file inside.
// If reportPath is a file, a timestamp is suffixed before the extension.
func WriteCSVReport(reportPath string, resp *RerunResponse) (string, error) {
	if reportPath == "" {
		return "", nil
	}
	ts := time.Now().Format("20060102-150405")
	outPath := reportPath
	if fi, err := os.Stat(outPath); err == nil && fi.IsDir() {
		outPath = filepath.Join(outPath, fmt.Sprintf("rerun-%s.csv", ts))
	} else {
		ext := filepath.Ext(outPath)
		base := outPath[:len(outPath)-len(ext)]
		outPath = fmt.Sprintf("%s-%s%s", base, ts, ext)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fmt.Fprintln(f, "section,train_id,name,baseline_delay_min,optimized_delay_min,delta_delay_min,avg_delay_delta_mean,duration_delta_mean,holds_applied,trials,timestamp")
	optByID := make(map[string]TrainDelayRow, len(resp.Optimized.ByTrain))
	for _, row := range resp.Optimized.ByTrain {
		optByID[row.TrainID] = row
	}
	for _, row := range resp.Baseline.ByTrain {
		o, ok := optByID[row.TrainID]
		if !ok {
			continue
		}
		fmt.Fprintf(f, "train,%s,%s,%d,%d,%d,,,,,%s\n",
			row.TrainID, row.Name, row.DelayMin, o.DelayMin, row.DelayMin-o.DelayMin, ts)
	}
	fmt.Fprintf(f, "summary,,,,,,%.3f,%.3f,%d,%d,%s\n",
		resp.Meta.AvgDelayMinDeltaMean, resp.Meta.DurationSecDeltaMean,
		resp.Meta.HoldsApplied, resp.Meta.Trials, ts)

	logrus.WithField("path", outPath).Info("CSV report written")
	return outPath, nil
}

// PrintConsoleReport prints a human-readable A/B report to stdout.
func PrintConsoleReport(resp *RerunResponse) {
	fmt.Println("=== Dispatch A/B Report ===")
	fmt.Printf("Trials: %d (seeds %v)\n", resp.Meta.Trials, resp.Meta.SeedsUsed)
	fmt.Printf("Holds applied: %d\n", resp.Meta.HoldsApplied)
	fmt.Printf("Baseline avg delay: %.1f min over %d trains (duration %ds)\n",
		resp.Baseline.AvgDelayMin, resp.Baseline.TrainsOnLine, resp.Baseline.DurationSec)
	fmt.Printf("Optimized avg delay: %.1f min over %d trains (duration %ds)\n",
		resp.Optimized.AvgDelayMin, resp.Optimized.TrainsOnLine, resp.Optimized.DurationSec)
	fmt.Printf("Avg delay delta: %.3f min (95%% CI [%.3f, %.3f])\n",
		resp.Meta.AvgDelayMinDeltaMean,
		resp.Meta.AvgDelayMinDeltaCI95[0], resp.Meta.AvgDelayMinDeltaCI95[1])
	fmt.Printf("Duration delta: %.3f s (95%% CI [%.3f, %.3f])\n",
		resp.Meta.DurationSecDeltaMean,
		resp.Meta.DurationSecDeltaCI95[0], resp.Meta.DurationSecDeltaCI95[1])
	for _, row := range resp.Diff.Trains {
		fmt.Printf("Train %s (%s) delta=%.1f min\n", row.TrainID, row.Name, row.DeltaDelayMin)
	}
}
