package main

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/anastasop/imgcache/internal/collection"
	"github.com/anastasop/imgcache/internal/config"
	"github.com/anastasop/imgcache/internal/decode"
	"github.com/anastasop/imgcache/internal/prefetch"
)

const progName = "imgcache"

var (
	cfgFile    string
	verbose    bool
	silent     bool
	cpuprofile string
	memLimitMB int64

	v      = config.NewViper()
	cfg    *config.Config
	logger = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   progName,
	Short: "Keep decoded images around a position in memory",
	Long: `imgcache keeps the images near a position of an ordered list of files
decoded in memory, within a memory budget. It decodes concurrently, prefers
the direction of travel and drops what falls behind.

Examples:
  imgcache warm --at 50 ~/photos
  imgcache browse --plumb ~/photos/2024`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.imgcache.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose mode, log cache activity")
	pf.BoolVarP(&silent, "quiet", "q", false, "silent mode, do not log anything")
	pf.StringVar(&cpuprofile, "cpuprofile", "", "write cpu profile to `file`")
	pf.Int64Var(&memLimitMB, "mem-limit", 0, "soft memory limit in MB. Overrides GOMEMLIMIT")

	pf.Float64("max-mb", 0, "memory budget of the cache in MB")
	pf.Float64("min-mb", 0, "budget floor under memory pressure in MB")
	pf.Int("decoders", 0, "number of concurrent decoders")
	pf.Int("ahead", 0, "items taken in the direction of travel per round")
	pf.Int("behind", 0, "items taken against the direction of travel per round")
	pf.Int("max-dimension", 0, "scale down images larger than this")
	pf.Bool("color-manage", false, "convert images to sRGB")

	for key, flag := range map[string]string{
		"max_mb":        "max-mb",
		"min_mb":        "min-mb",
		"decoders":      "decoders",
		"ahead":         "ahead",
		"behind":        "behind",
		"max_dimension": "max-dimension",
		"color_manage":  "color-manage",
	} {
		if err := v.BindPFlag(key, pf.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

// setup loads the config and sets up logging and profiling.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)
	logger.SetLevel(cfg.Level())
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if silent {
		logger.SetOutput(io.Discard)
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debugf("using config file %s", used)
	}

	if memLimitMB > 0 {
		debug.SetMemoryLimit(memLimitMB << 20)
	}
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		cobra.OnFinalize(func() {
			pprof.StopCPUProfile()
			f.Close()
		})
	}
	return nil
}

func component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// openCollection scans paths into a folder and reads the image headers.
func openCollection(cmd *cobra.Command, paths []string) (*collection.Folder, *decode.Registry, error) {
	registry := decode.DefaultRegistry()
	files := collection.Scan(registry, component("scan"), paths...)
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no images found in %v", paths)
	}
	folder := collection.NewFolder(files, registry)
	if err := folder.LoadMetadata(cmd.Context(), cfg.MetadataWorkers, component("metadata")); err != nil {
		return nil, nil, fmt.Errorf("loading metadata: %w", err)
	}
	return folder, registry, nil
}

// startCache returns a controller working on folder.
func startCache(folder *collection.Folder, registry *decode.Registry, onFailed prefetch.FailureFunc) (*prefetch.Controller, error) {
	opts := cfg.Options(component("cache"))
	opts.Decode.Registry = registry
	opts.OnCurrentFailed = onFailed
	c := prefetch.New(opts)
	if err := c.ReplaceCollection(folder); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}
