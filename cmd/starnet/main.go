// starnet builds star topologies, simulates their download and upload traffic, and
// reports per-flow throughput.  Modes:
//
//	run       simulate the configured experiment for the configured number of trials
//	sweep     run the trials at every point of a downloader x uploader grid
//	describe  write the topology and address description without simulating
//
// Values come from an experiment file (-config), overridden by STARNET_* environment
// variables, overridden by command line flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/iti/starnet"
	"github.com/iti/starnet/internal/logger"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func defineFlags(fs *pflag.FlagSet) {
	fs.String("mode", "run", "run, sweep or describe")
	fs.String("config", "", "experiment file, .yaml or .json")
	fs.String("name", "star", "experiment name")
	fs.String("shape", "flat", "topology shape: flat or two-tier")
	fs.Int("downloaders", 5, "number of downloading clients")
	fs.Int("uploaders", 5, "number of uploading clients")

	// link parameters per tier
	for _, tier := range []string{"core", "d", "u"} {
		fs.Int64(tier+"-data-rate", 500000, tier+" link data rate, bits/s")
		fs.Int(tier+"-latency", 1, tier+" link latency, ms")
		fs.Int(tier+"-queue-length", 5, tier+" link queue length, packets")
	}

	// traffic parameters per class
	for _, class := range []string{"d", "u"} {
		fs.Int64(class+"-on-off", 300000, class+" on/off source rate, bits/s")
		fs.Float64(class+"-start-time", 2.0, class+" session start, s")
		fs.Float64(class+"-stop-time", 40.0, class+" session stop, s")
		fs.Int(class+"-packet-size", 1500, class+" packet size, bytes")
		fs.String(class+"-addr", starnet.DefaultAddrTemplate, class+" link address template")
	}
	fs.String("core-addr", starnet.DefaultAddrTemplate, "core link address template")

	fs.Float64("loss-rate", 0.0, "per-packet loss rate on the bottleneck link, 0 for none")
	fs.String("bottleneck", "", "bottleneck link: core, downloader[i] or uploader[i]")
	fs.Float64("sim-run-time", 50.0, "simulation run duration, s")
	fs.Int("trials", 1, "independent trials per configuration")
	fs.Int("workers", 1, "trials run at once")
	fs.Uint64("seed", 0, "random stream seed, 0 to continue the process's streams")

	fs.Int("d-min", 1, "sweep: fewest downloaders")
	fs.Int("d-max", 5, "sweep: most downloaders")
	fs.Int("u-min", 1, "sweep: fewest uploaders")
	fs.Int("u-max", 5, "sweep: most uploaders")

	fs.String("out", "", "report or surface output, .yaml or .json")
	fs.String("topo-out", "", "topology description output, .yaml or .json")
	fs.String("trace", "", "packet trace of one extra traced run, .yaml or .json")
	fs.Bool("print", true, "print the per-flow report of the first trial")

	fs.String("log-level", "info", "log level")
	fs.String("log-file", "", "also log to this file, rotated")
}

// loadViper binds the flags and the STARNET_ environment to a viper instance
func loadViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("STARNET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

// buildExpCfg starts from the experiment file, if any, and applies every value that
// was given in the environment or on the command line
func buildExpCfg(v *viper.Viper) (*starnet.ExpCfg, error) {
	var expcfg *starnet.ExpCfg
	cfgFile := v.GetString("config")
	if len(cfgFile) > 0 {
		if _, err := starnet.CheckReadableFiles([]string{cfgFile}); err != nil {
			return nil, err
		}
		var err error
		expcfg, err = starnet.ReadExpCfg(cfgFile, starnet.UseYAML(cfgFile), nil)
		if err != nil {
			return nil, err
		}
		logger.CfgLog.Infof("experiment read from %s", cfgFile)
	} else {
		expcfg = starnet.CreateExpCfg(v.GetString("name"))
	}

	setStr := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v.IsSet(key) {
			*dst = v.GetInt64(key)
		}
	}
	setFloat := func(key string, dst *float64) {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}

	setStr("name", &expcfg.Name)
	setStr("shape", &expcfg.Shape)
	setInt("downloaders", &expcfg.Downloaders)
	setInt("uploaders", &expcfg.Uploaders)

	links := map[string]*starnet.LinkParams{"core": &expcfg.Core, "d": &expcfg.Download, "u": &expcfg.Upload}
	for tier, lp := range links {
		setInt64(tier+"-data-rate", &lp.Rate)
		setInt(tier+"-latency", &lp.Latency)
		setInt(tier+"-queue-length", &lp.QueueLength)
	}

	sessions := map[string]*starnet.SessionParams{"d": &expcfg.Traffic.Download, "u": &expcfg.Traffic.Upload}
	for class, sp := range sessions {
		setInt64(class+"-on-off", &sp.Rate)
		setFloat(class+"-start-time", &sp.Start)
		setFloat(class+"-stop-time", &sp.Stop)
		setInt(class+"-packet-size", &sp.PacketSize)
	}
	setStr("core-addr", &expcfg.Addrs.Core)
	setStr("d-addr", &expcfg.Addrs.Download)
	setStr("u-addr", &expcfg.Addrs.Upload)

	setFloat("sim-run-time", &expcfg.Traffic.RunDuration)
	setInt("trials", &expcfg.Trials)
	setInt("workers", &expcfg.Workers)
	if v.IsSet("seed") {
		expcfg.Seed = v.GetUint64("seed")
	}
	setStr("bottleneck", &expcfg.Bottleneck)
	if v.IsSet("loss-rate") {
		if rate := v.GetFloat64("loss-rate"); rate > 0.0 {
			expcfg.Loss = &starnet.LossModel{Unit: starnet.LossUnitPacket, Rate: rate}
		} else {
			expcfg.Loss = nil
		}
	}

	if v.GetString("mode") == "sweep" && expcfg.Sweep == nil {
		expcfg.Sweep = &starnet.SweepRange{DMin: 1, DMax: 5, UMin: 1, UMax: 5}
	}
	if expcfg.Sweep != nil {
		setInt("d-min", &expcfg.Sweep.DMin)
		setInt("d-max", &expcfg.Sweep.DMax)
		setInt("u-min", &expcfg.Sweep.UMin)
		setInt("u-max", &expcfg.Sweep.UMax)
	}

	return expcfg, expcfg.Validate()
}

func runMode(ctx context.Context, v *viper.Viper, expcfg *starnet.ExpCfg) error {
	exp, err := starnet.BuildExperiment(expcfg)
	if err != nil {
		return err
	}
	if topoOut := v.GetString("topo-out"); len(topoOut) > 0 {
		td := exp.Describe()
		if err := td.WriteToFile(topoOut); err != nil {
			return err
		}
	}

	ts, err := starnet.RunTrials(ctx, expcfg)
	if err != nil {
		return err
	}

	// an optional traced run of its own, outside the trial set.  Its stream is created
	// after those of the trials, which stay the same with or without it.
	if traceOut := v.GetString("trace"); len(traceOut) > 0 {
		tm := starnet.CreateTraceManager(expcfg.Name, true)
		if _, err := exp.Run(starnet.NewNetSim(expcfg.Name + "-trace").WithTrace(tm)); err != nil {
			return err
		}
		if err := tm.WriteToFile(traceOut); err != nil {
			return err
		}
		logger.MainLog.Infof("%d trace records written to %s", tm.Len(), traceOut)
	}

	if err := ts.Print(os.Stdout, v.GetBool("print")); err != nil {
		return err
	}
	for _, msg := range ts.Errs {
		logger.RptLog.Warn(msg)
	}

	if out := v.GetString("out"); len(out) > 0 {
		return ts.WriteToFile(out)
	}
	return nil
}

func sweepMode(ctx context.Context, v *viper.Viper, expcfg *starnet.ExpCfg) error {
	sf, tdd, err := starnet.Sweep(ctx, expcfg)
	if err != nil {
		return err
	}
	for _, cell := range sf.Cells {
		line := fmt.Sprintf("D: %d  U: %d", cell.Downloaders, cell.Uploaders)
		if cell.Download != nil {
			line += fmt.Sprintf("  download %f", cell.Download.Mean)
		}
		if cell.Upload != nil {
			line += fmt.Sprintf("  upload %f", cell.Upload.Mean)
		}
		fmt.Println(line)
	}
	if out := v.GetString("out"); len(out) > 0 {
		if err := sf.WriteToFile(out); err != nil {
			return err
		}
	}
	if topoOut := v.GetString("topo-out"); len(topoOut) > 0 {
		return tdd.WriteToFile(topoOut)
	}
	return nil
}

func describeMode(v *viper.Viper, expcfg *starnet.ExpCfg) error {
	exp, err := starnet.BuildExperiment(expcfg)
	if err != nil {
		return err
	}
	td := exp.Describe()
	topoOut := v.GetString("topo-out")
	if len(topoOut) == 0 {
		topoOut = v.GetString("out")
	}
	if len(topoOut) == 0 {
		for _, nd := range td.Nodes {
			fmt.Printf("%-16s %s\n", nd.Name, strings.Join(nd.Addrs, " "))
		}
		return nil
	}
	return td.WriteToFile(topoOut)
}

func main() {
	fs := pflag.NewFlagSet("starnet", pflag.ExitOnError)
	defineFlags(fs)
	_ = fs.Parse(os.Args[1:])

	v, err := loadViper(fs)
	if err != nil {
		logger.MainLog.Fatalf("flags: %v", err)
	}

	logger.SetLogLevel(v.GetString("log-level"))
	logger.SetLogFile(v.GetString("log-file"), 10, 3)

	outputs := []string{v.GetString("out"), v.GetString("topo-out"), v.GetString("trace")}
	if _, err := starnet.CheckOutputFiles(outputs); err != nil {
		logger.MainLog.Fatalf("output files: %v", err)
	}

	expcfg, err := buildExpCfg(v)
	if err != nil {
		logger.CfgLog.Fatalf("experiment configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode := v.GetString("mode"); mode {
	case "run":
		err = runMode(ctx, v, expcfg)
	case "sweep":
		err = sweepMode(ctx, v, expcfg)
	case "describe":
		err = describeMode(v, expcfg)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		logger.MainLog.Errorf("%s failed: %v", v.GetString("mode"), err)
		stop()
		os.Exit(1)
	}
}
