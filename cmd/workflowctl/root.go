package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/blingmoon/simple-fsm/workflow"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type rootOptions struct {
	configPath string
	dsn        string
	redisAddr  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Operate persistent workflow definitions and entities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "engine config file (yaml or json)")
	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", "workflow.db", "sqlite database path")
	cmd.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr", "", "redis address for the distributed entity lock")

	cmd.AddCommand(
		newPublishCmd(opts),
		newCreateCmd(opts),
		newExecuteCmd(opts),
		newAvailableCmd(opts),
		newHistoryCmd(opts),
		newListCmd(opts),
		newDefinitionsCmd(opts),
		newSweepCmd(opts),
	)
	return cmd
}

// openEngine 按全局参数创建引擎, 返回的 cleanup 关闭 redis 连接
func (o *rootOptions) openEngine(extra ...workflow.EngineOption) (*workflow.Engine, func(), error) {
	cfg, err := workflow.LoadEngineConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(o.dsn), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s failed", o.dsn)
	}
	sqlDB, err := db.DB()
	if err != nil {
		if closer, ok := db.ConnPool.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		return nil, nil, errors.Wrap(err, "get sql.DB failed")
	}
	sqlDB.SetMaxOpenConns(1)
	cleanup := func() { _ = sqlDB.Close() }
	repo := workflow.NewGormRepo(db)
	if err := repo.AutoMigrate(context.Background()); err != nil {
		cleanup()
		return nil, nil, err
	}

	var lock workflow.EntityLock
	if o.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: o.redisAddr})
		lock = workflow.NewRedisEntityLock(client, cfg.LockRetryInterval)
		cleanup = func() {
			_ = client.Close()
			_ = sqlDB.Close()
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	options := append([]workflow.EngineOption{workflow.WithLogger(logger)}, extra...)
	engine, err := workflow.NewEngine(workflow.EngineDeps{
		DefinitionRepo: repo,
		EntityRepo:     repo,
		HistoryRepo:    repo,
		Lock:           lock,
	}, cfg, options...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return engine, cleanup, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseContext(raw string) (map[string]any, error) {
	ret := make(map[string]any)
	if strings.TrimSpace(raw) == "" {
		return ret, nil
	}
	if err := json.Unmarshal([]byte(raw), &ret); err != nil {
		return nil, errors.Wrapf(workflow.ErrWorkflowParamInvalid, "--context must be a json object, err: %v", err)
	}
	return ret, nil
}

func newPublishCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a new version of a definition file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrapf(err, "read %s failed", file)
			}
			var cfg *workflow.DefinitionConfig
			if strings.EqualFold(filepath.Ext(file), ".json") {
				cfg, err = workflow.ParseDefinitionConfigJSON(raw)
			} else {
				cfg, err = workflow.ParseDefinitionConfigYAML(raw)
			}
			if err != nil {
				return err
			}
			engine, cleanup, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			graph, err := engine.Definitions().Publish(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s (%d states, %d transitions)\n", graph.Definition.ID, len(graph.States), len(graph.Transitions))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		definition  string
		businessKey string
		actor       string
		rawContext  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an entity in the initial state of the active definition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			input, err := parseContext(rawContext)
			if err != nil {
				return err
			}
			engine, cleanup, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			entity, err := engine.CreateEntity(cmd.Context(), &workflow.CreateEntityReq{
				DefinitionName: definition,
				BusinessKey:    businessKey,
				ActorID:        actor,
				Context:        input,
			})
			if entity != nil {
				if printErr := printJSON(cmd, entity); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&definition, "definition", "", "definition name")
	cmd.Flags().StringVar(&businessKey, "business-key", "", "external business key")
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor id")
	cmd.Flags().StringVar(&rawContext, "context", "", "json object passed to auto transition conditions")
	_ = cmd.MarkFlagRequired("definition")
	return cmd
}

func newExecuteCmd(opts *rootOptions) *cobra.Command {
	var (
		actor      string
		rawContext string
	)
	cmd := &cobra.Command{
		Use:   "execute ENTITY TRANSITION",
		Short: "Execute a named transition on an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseContext(rawContext)
			if err != nil {
				return err
			}
			engine, cleanup, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			record, err := engine.Execute(cmd.Context(), args[0], args[1], actor, input)
			if record != nil {
				if printErr := printJSON(cmd, record); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "actor id")
	cmd.Flags().StringVar(&rawContext, "context", "", "json object evaluated by the transition conditions")
	return cmd
}

func newAvailableCmd(opts *rootOptions) *cobra.Command {
	var rawContext string
	cmd := &cobra.Command{
		Use:   "available ENTITY",
		Short: "List transitions whose conditions currently pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseContext(rawContext)
			if err != nil {
				return err
			}
			engine, cleanup, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			names, err := engine.ListAvailableTransitions(cmd.Context(), args[0], input)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rawContext, "context", "", "json object evaluated by the transition conditions")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history ENTITY",
		Short: "Print the ordered transition history of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cleanup, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			return engine.Walk(cmd.Context(), args[0], func(record *workflow.TransitionRecord) error {
				from := "-"
				if record.FromStateID != nil {
					from = *record.FromStateID
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s -> %s\t%s\n",
					record.OccurredAt.Format("2006-01-02T15:04:05.000000Z07:00"), record.Transition, from, record.ToStateID, record.ActorID)
				return err
			})
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	req := &workflow.ListEntitiesReq{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities filtered by definition version, state and business key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, cleanup, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			resp, err := engine.ListEntities(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
	cmd.Flags().StringSliceVar(&req.DefinitionIDs, "definition", nil, "definition id such as order@v2, repeatable")
	cmd.Flags().StringSliceVar(&req.StateIDs, "state", nil, "current state id, repeatable")
	cmd.Flags().StringVar(&req.BusinessKey, "business-key", "", "external business key")
	cmd.Flags().Int64Var(&req.Page, "page", 1, "page number starting at 1")
	cmd.Flags().Int64Var(&req.Size, "size", 10, "page size")
	return cmd
}

func newDefinitionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "Print the active version of every definition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, cleanup, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			definitions, err := engine.Definitions().ListActiveDefinitions(cmd.Context())
			if err != nil {
				return err
			}
			for _, definition := range definitions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", definition.ID, definition.InitialStateID)
			}
			return nil
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var (
		once        bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fire timeout transitions for entities that stayed too long in a state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry := prometheus.NewRegistry()
			metrics := workflow.NewMetrics(registry)
			engine, cleanup, err := opts.openEngine(workflow.WithMetrics(metrics))
			if err != nil {
				return err
			}
			defer cleanup()
			sweeper := workflow.NewTimeoutSweeper(engine)
			if once {
				report, err := sweeper.SweepOnce(cmd.Context())
				if report != nil {
					if printErr := printJSON(cmd, report); printErr != nil {
						return printErr
					}
				}
				return err
			}
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				server := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						engine.Logger().Error("metrics server failed", "err", err)
					}
				}()
				defer server.Close()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and print the report")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while sweeping")
	return cmd
}
