package main

import (
	"fmt"
	"os"
	"path/filepath"

	"hmp-balance/internal/config"
	"hmp-balance/internal/database"
	"hmp-balance/internal/datahandeling"
	"hmp-balance/internal/host"
	"hmp-balance/internal/logging"
	"hmp-balance/internal/metrics"
	"hmp-balance/internal/sim"
	"hmp-balance/internal/topology"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

// BalanceRun carries one simulation through its phases: configuration,
// topology, execution, export.
type BalanceRun struct {
	config        *config.SimulationConfig
	configContent string
	topo          *topology.Topology
	simulation    *sim.Simulation
	dbClient      database.Client
	dataHandler   datahandeling.DataHandler
	runNumber     int
	result        *sim.Result
}

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
	} else {
		// Try to load from the application directory
		if execPath, err := os.Executable(); err == nil {
			appDir := filepath.Dir(execPath)
			envFile = filepath.Join(appDir, ".env")
			if _, err := os.Stat(envFile); err == nil {
				if err := godotenv.Load(envFile); err != nil {
					logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
				} else {
					logger.WithField("file", envFile).Debug("Loaded environment variables")
				}
			}
		}
	}
}

func applyLogLevel(level string) error {
	if err := logging.SetLogLevel(level); err != nil {
		return err
	}
	return logging.SetBalancerLogLevel(level)
}

func checkDatabaseConfig(db config.DatabaseConfig) error {
	logger := logging.GetLogger()

	var missing []string
	if db.Host == "" {
		missing = append(missing, "host")
	}
	if db.Name == "" {
		missing = append(missing, "name")
	}
	if db.Org == "" {
		missing = append(missing, "org")
	}
	if db.Password == "" {
		missing = append(missing, "password")
	}

	if len(missing) > 0 {
		logger.WithField("missing_fields", missing).Error("Database configuration is incomplete")
		return fmt.Errorf("database configuration missing: %v. Set these fields in the config file or the environment variables it references", missing)
	}
	return nil
}

// resolveTopology builds the cluster layout the run balances over. Configs
// that omit the clusters section run against the detected host topology.
func resolveTopology(cfg *config.SimulationConfig) (*topology.Topology, error) {
	logger := logging.GetLogger()

	if len(cfg.Clusters) > 0 {
		return topology.FromConfig(cfg.Clusters)
	}

	logger.Info("No clusters configured, detecting host topology")
	topo, err := host.DetectTopology()
	if err != nil {
		return nil, fmt.Errorf("failed to detect host topology: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"cpus":     topo.NumCPUs(),
		"clusters": topo.NumClusters(),
	}).Info("Host topology detected")
	return topo, nil
}

func main() {
	// Initialize logging
	logger := logging.GetLogger()

	loadEnvironment()

	var configFile string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "hmp-balance",
		Short: "Heterogeneous multiprocessor load balancing simulator",
		Long:  "A tick-driven simulator for capacity-aware task placement and load balancing across asymmetric CPU clusters",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := applyLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(configFile, logLevel)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a simulation configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile)
		},
	}

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Show the detected host CPU topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showTopology()
		},
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	runCmd.MarkFlagRequired("config")

	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to simulation configuration file")
	validateCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(topologyCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("Command execution failed")
	}
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}

	fields := logrus.Fields{
		"config_file": configFile,
		"name":        cfg.Simulation.Name,
		"duration":    cfg.GetMaxDuration(),
		"tick":        cfg.GetTickInterval(),
		"tasks":       len(cfg.Tasks),
	}
	if len(cfg.Clusters) > 0 {
		topo, err := topology.FromConfig(cfg.Clusters)
		if err != nil {
			logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
			return err
		}
		fields["cpus"] = topo.NumCPUs()
		fields["clusters"] = topo.NumClusters()
	}

	logger.WithFields(fields).Info("Configuration is valid")
	return nil
}

func showTopology() error {
	logger := logging.GetLogger()

	info, err := host.GetSystemInfo()
	if err != nil {
		logger.WithError(err).Error("Failed to read host information")
		return fmt.Errorf("failed to read host information: %w", err)
	}

	topo, err := host.DetectTopology()
	if err != nil {
		logger.WithError(err).Error("Failed to detect host topology")
		return fmt.Errorf("failed to detect host topology: %w", err)
	}

	fmt.Printf("host: %s (%s, kernel %s)\n", info.Hostname, info.OSInfo, info.KernelVersion)
	fmt.Printf("cpu: %s %s, %d logical cpus, %d physical cores\n", info.CPUVendor, info.CPUModel, info.TotalCPUs, info.PhysicalCores)
	for _, cluster := range topo.Clusters() {
		fmt.Printf("cluster %s: cpus %s, capacity %d\n", cluster.Name, config.FormatCPUSpec(cluster.CPUs), cluster.Capacity)
	}
	return nil
}

func runSimulation(configFile string, logLevel string) error {
	logger := logging.GetLogger()

	run := &BalanceRun{
		dataHandler: datahandeling.NewDefaultDataHandler(),
	}

	var err error
	run.config, run.configContent, err = config.LoadConfigWithContent(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Failed to load configuration")
		return fmt.Errorf("failed to load config: %w", err)
	}

	// The --log-level flag outranks the level in the configuration.
	if logLevel == "" && run.config.Simulation.LogLevel != "" {
		if err := applyLogLevel(run.config.Simulation.LogLevel); err != nil {
			logger.WithField("log_level", run.config.Simulation.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
			applyLogLevel("info")
		} else {
			logger.WithField("log_level", run.config.Simulation.LogLevel).Debug("Log level set from configuration")
		}
	}

	run.topo, err = resolveTopology(run.config)
	if err != nil {
		logger.WithError(err).Error("Failed to resolve topology")
		return fmt.Errorf("failed to resolve topology: %w", err)
	}

	if run.config.HasDatabase() {
		if err := checkDatabaseConfig(run.config.Simulation.Data.DB); err != nil {
			return err
		}

		run.dbClient, err = database.NewInfluxDBClient(run.config.Simulation.Data.DB)
		if err != nil {
			logger.WithError(err).Error("Failed to create database client")
			return fmt.Errorf("failed to create database client: %w", err)
		}
		defer run.dbClient.Close()

		lastRun, err := run.dbClient.GetLastRunNumber()
		if err != nil {
			logger.WithError(err).Error("Failed to get last run number")
			return fmt.Errorf("failed to get last run number: %w", err)
		}
		run.runNumber = lastRun + 1
	} else {
		logger.Info("No database configured, writing the spool artifact only")
	}

	if addr := run.config.Simulation.Balancer.MetricsAddr; addr != "" {
		go func() {
			if err := metrics.Serve(addr); err != nil {
				logger.WithField("addr", addr).WithError(err).Warn("Metrics endpoint failed")
			}
		}()
	}

	run.simulation, err = sim.New(run.config, run.topo)
	if err != nil {
		logger.WithError(err).Error("Failed to build simulation")
		return fmt.Errorf("failed to build simulation: %w", err)
	}
	defer run.simulation.Close()

	logger.WithFields(logrus.Fields{
		"version":    Version,
		"name":       run.config.Simulation.Name,
		"run_number": run.runNumber,
	}).Info("Starting simulation run")

	run.result, err = run.simulation.Run()
	if err != nil {
		logger.WithError(err).Error("Simulation failed")
		return fmt.Errorf("simulation failed: %w", err)
	}

	return run.exportResults()
}

func (br *BalanceRun) exportResults() error {
	logger := logging.GetLogger()

	logger.Info("Processing trace data")
	runMetrics, err := br.dataHandler.ProcessTrace(br.topo, br.result.Trace, br.result.StartTime, br.result.EndTime)
	if err != nil {
		logger.WithError(err).Error("Failed to process trace data")
		return fmt.Errorf("failed to process trace data: %w", err)
	}

	metadata, err := database.CollectRunMetadata(br.result.RunID, br.runNumber, br.config, br.configContent,
		br.topo, br.result.Trace, br.result.StartTime, br.result.EndTime)
	if err != nil {
		logger.WithError(err).Error("Failed to collect run metadata")
		return fmt.Errorf("failed to collect run metadata: %w", err)
	}
	migrations := br.result.Trace.Migrations()

	if br.dbClient != nil {
		logger.Info("Writing run results to database")
		if err := br.dbClient.WriteTrace(metadata, runMetrics); err != nil {
			logger.WithError(err).Error("Failed to write metrics")
			return fmt.Errorf("failed to write metrics: %w", err)
		}
		if err := br.dbClient.WriteMigrations(metadata, migrations); err != nil {
			logger.WithError(err).Error("Failed to write migrations")
			return fmt.Errorf("failed to write migrations: %w", err)
		}
		if err := br.dbClient.WriteMetadata(metadata); err != nil {
			logger.WithError(err).Error("Failed to write metadata")
			return fmt.Errorf("failed to write metadata: %w", err)
		}
	}

	artifact := database.BuildSpoolArtifact(br.result.RunID, br.runNumber, br.config, br.configContent,
		runMetrics, metadata, migrations, br.result.StartTime, br.result.EndTime)
	spoolPath, err := database.WriteSpoolArtifact("", artifact)
	if err != nil {
		logger.WithError(err).Error("Failed to write spool artifact")
		return fmt.Errorf("failed to write spool artifact: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"run_id":     br.result.RunID,
		"run_number": br.runNumber,
		"ticks":      br.result.TotalTicks,
		"duration":   br.result.EndTime.Sub(br.result.StartTime),
		"migrations": len(migrations),
		"spool":      spoolPath,
	}).Info("Run complete")
	return nil
}
