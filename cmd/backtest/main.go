// Command backtest runs a single backtest from a YAML configuration file
// and CSV bar data, writing the result as JSON.
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lizhexun/backtest/backtest"
	"github.com/lizhexun/backtest/core"
)

func main() {
	var (
		configPath    string
		benchmarkPath string
		dataDir       string
		outPath       string
	)
	flag.StringVar(&configPath, "config", "backtest.yaml", "YAML run configuration path")
	flag.StringVar(&benchmarkPath, "benchmark", "", "CSV file defining the benchmark timeline (required)")
	flag.StringVar(&dataDir, "data", "", "directory of <symbol>.csv market-data files (required)")
	flag.StringVar(&outPath, "out", "", "output JSON path (default stdout)")
	flag.Parse()

	if err := run(configPath, benchmarkPath, dataDir, outPath); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, benchmarkPath, dataDir, outPath string) error {
	if benchmarkPath == "" || dataDir == "" {
		return fmt.Errorf("-benchmark and -data are required")
	}

	cfg, err := backtest.LoadRunConfig(configPath)
	if err != nil {
		return err
	}

	engine := backtest.New(cfg, cfg.Strategy, backtest.NewDiagnostics())

	benchBars, err := loadCSVBars(benchmarkPath)
	if err != nil {
		return fmt.Errorf("load benchmark: %w", err)
	}
	if err := engine.LoadBenchmark(benchBars); err != nil {
		return fmt.Errorf("set benchmark: %w", err)
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		symbol := core.Symbol(strings.TrimSuffix(entry.Name(), ".csv"))
		bars, err := loadCSVBars(dataDir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("load %s: %w", entry.Name(), err)
		}
		engine.LoadMarketData(symbol, bars)
	}

	result, err := engine.Run()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// loadCSVBars reads a headered CSV with columns
// time,open,high,low,close,volume[,amount[,pre_close[,suspended]]].
func loadCSVBars(path string) ([]core.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, nil
	}

	bars := make([]core.Bar, 0, len(rows)-1)
	for _, rec := range rows[1:] {
		if len(rec) < 6 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			ts, err = time.Parse("2006-01-02", rec[0])
			if err != nil {
				return nil, fmt.Errorf("parse timestamp %q: %w", rec[0], err)
			}
		}
		bar := core.Bar{
			Time:   ts,
			Open:   parseFloat(rec[1]),
			High:   parseFloat(rec[2]),
			Low:    parseFloat(rec[3]),
			Close:  parseFloat(rec[4]),
			Volume: parseFloat(rec[5]),
		}
		if len(rec) > 6 {
			bar.Amount = parseFloat(rec[6])
		}
		if len(rec) > 7 {
			bar.PreClose = parseFloat(rec[7])
		}
		if len(rec) > 8 {
			bar.Suspended = rec[8] == "1" || strings.EqualFold(rec[8], "true")
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}
