package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/micromdm/nanolib/log/stdlogfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"approvalflow/internal/app"
	"approvalflow/internal/config"
	"approvalflow/internal/domain"
	"approvalflow/internal/engine"
	"approvalflow/internal/flowdef"
	"approvalflow/internal/logkeys"
	"approvalflow/internal/server"
)

// overridden by the build
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "apf",
	Short: "Approval flow CLI",
	Long: `apf defines approval flows and runs instances through them.
- Flows are directed graphs of START, APPROVAL, CONDITION, CC and END nodes.
- Publishing a flow checks its graph; only published, active flows can start instances.
- Instances copy the flow graph at start and move forward as assignees act on their steps.
- Steps are per-assignee tasks: approve, reject, delegate or return them.
- Every change is written to the event log (apf instance events).`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("APPROVALFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default approvalflow.yml in the workspace)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory for the sqlite database")
	rootCmd.PersistentFlags().String("db-driver", "", "database driver: sqlite, postgres or mysql")
	rootCmd.PersistentFlags().String("db-dsn", "", "database DSN")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("user", "u", "local-user", "acting user id")
	rootCmd.PersistentFlags().Bool("debug", false, "log debug messages")
	for _, name := range []string{"config", "workspace", "db-driver", "db-dsn", "json", "user", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(opinionCmd())
	rootCmd.AddCommand(myCmd())
	rootCmd.AddCommand(directoryCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage approvalflow.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Server.JWTSecret != "" {
				c.Server.JWTSecret = "<redacted>"
			}
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close()
			return enc.Encode(c)
		},
	})
	return cfg
}

func flowCmd() *cobra.Command {
	flow := &cobra.Command{
		Use:   "flow",
		Short: "Manage flow definitions",
		Long:  "Flows are imported from YAML or JSON documents listing nodes and lines by node_no.",
	}
	flow.AddCommand(flowImportCmd())
	flow.AddCommand(flowUpdateCmd())
	flow.AddCommand(flowValidateCmd())
	flow.AddCommand(flowListCmd())
	flow.AddCommand(flowShowCmd())
	flow.AddCommand(flowToggleCmd("publish", "Publish a flow after checking its graph"))
	flow.AddCommand(flowToggleCmd("unpublish", "Withdraw a flow from new instances"))
	flow.AddCommand(&cobra.Command{
		Use:   "delete <flow-id>",
		Short: "Delete a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteFlow(ctx, args[0], actor())
			})
		},
	})
	return flow
}

func flowImportCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Create a flow from a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := flowdef.Load(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.CreateFlow(ctx, def, actor())
				if err != nil {
					return err
				}
				if publish {
					if f, err = e.PublishFlow(ctx, f.ID, actor()); err != nil {
						return err
					}
				}
				return printFlow(f)
			})
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish after import")
	return cmd
}

func flowUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <flow-id> <file>",
		Short: "Replace a flow's metadata and graph",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := flowdef.Load(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.UpdateFlow(ctx, args[0], def, actor())
				if err != nil {
					return err
				}
				return printFlow(f)
			})
		},
	}
}

func flowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a definition file without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := flowdef.Load(args[0])
			if err == nil {
				err = def.ValidateGraph()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s OK (%d nodes, %d lines)\n", def.FlowNo, len(def.Nodes), len(def.Lines))
			return nil
		},
	}
}

func flowListCmd() *cobra.Command {
	var f engine.FlowFilters
	var published, active string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if f.Published, err = optionalBool("published", published); err != nil {
				return err
			}
			if f.Active, err = optionalBool("active", active); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				flows, err := e.ListFlows(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flows)
				}
				tw := newTable("ID", "Flow No", "Name", "Category", "Version", "Published", "Active")
				for _, fl := range flows {
					tw.AppendRow(table.Row{fl.ID, fl.FlowNo, fl.Name, fl.Category, fl.Version, fl.IsPublished, fl.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.Name, "name", "", "name substring")
	cmd.Flags().StringVar(&published, "published", "", "true or false")
	cmd.Flags().StringVar(&active, "active", "", "true or false")
	return cmd
}

func flowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <flow-id>",
		Short: "Show a flow with its nodes and lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := e.GetFlow(ctx, args[0])
				if err != nil {
					return err
				}
				return printFlow(f)
			})
		},
	}
}

func flowToggleCmd(use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <flow-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				toggle := e.UnpublishFlow
				if use == "publish" {
					toggle = e.PublishFlow
				}
				f, err := toggle(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printFlow(f)
			})
		},
	}
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{
		Use:   "instance",
		Short: "Start and inspect instances",
	}
	inst.AddCommand(instanceStartCmd())
	inst.AddCommand(instanceListCmd())
	inst.AddCommand(instanceEventsCmd())
	inst.AddCommand(&cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	})
	inst.AddCommand(&cobra.Command{
		Use:   "graph <instance-id>",
		Short: "Show the graph an instance runs on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.InstanceGraph(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(g)
			})
		},
	})
	inst.AddCommand(&cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a pending instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.CancelInstance(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	})
	inst.AddCommand(&cobra.Command{
		Use:   "delete <instance-id>",
		Short: "Delete a finished instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteInstance(ctx, args[0], actor())
			})
		},
	})
	return inst
}

func instanceStartCmd() *cobra.Command {
	var opts engine.StartOptions
	var form string
	cmd := &cobra.Command{
		Use:   "start <flow-id>",
		Short: "Start an instance as the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.FlowID = args[0]
			opts.ApplicantID = actor()
			if form != "" {
				if err := json.Unmarshal([]byte(form), &opts.FormData); err != nil {
					return fmt.Errorf("--form must be a JSON object: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.StartInstance(ctx, opts)
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "instance title")
	cmd.Flags().StringVar(&form, "form", "", "form data as a JSON object")
	cmd.Flags().StringVar(&opts.BusinessKey, "business-key", "", "business key")
	cmd.Flags().StringVar(&opts.BusinessType, "business-type", "", "business type")
	cmd.Flags().StringVar(&opts.Urgency, "urgency", "", "LOW, NORMAL, HIGH or URGENT")
	cmd.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	return cmd
}

func instanceListCmd() *cobra.Command {
	var f engine.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				return printInstances(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.FlowID, "flow-id", "", "flow filter")
	cmd.Flags().StringVar(&f.ApplicantID, "applicant", "", "applicant filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Urgency, "urgency", "", "urgency filter")
	cmd.Flags().StringVar(&f.BusinessType, "business-type", "", "business type filter")
	cmd.Flags().StringVar(&f.BusinessKey, "business-key", "", "business key filter")
	cmd.Flags().StringVar(&f.Title, "title", "", "title substring")
	cmd.Flags().StringVar(&f.StartedFrom, "started-from", "", "earliest start time (RFC 3339)")
	cmd.Flags().StringVar(&f.StartedTo, "started-to", "", "latest start time (RFC 3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "rows to skip")
	return cmd
}

func instanceEventsCmd() *cobra.Command {
	var f engine.EventFilters
	cmd := &cobra.Command{
		Use:   "events <instance-id>",
		Short: "Show an instance's event log, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.InstanceID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.Before, "before", "", "only events older than this event id")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	return cmd
}

func stepCmd() *cobra.Command {
	step := &cobra.Command{
		Use:   "step",
		Short: "Act on steps assigned to the acting user",
	}
	step.AddCommand(stepActionCmd(domain.ActionApprove, "approve <step-id>", "Approve a step", 1))
	step.AddCommand(stepActionCmd(domain.ActionReject, "reject <step-id>", "Reject a step and end the instance", 1))
	step.AddCommand(stepActionCmd(domain.ActionDelegate, "delegate <step-id> <user-id>", "Hand a step to another user", 2))
	step.AddCommand(stepActionCmd(domain.ActionReturn, "return <step-id> <node-id>", "Send the instance back to an earlier node", 2))
	step.AddCommand(&cobra.Command{
		Use:   "read <step-id>",
		Short: "Mark a step as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.MarkStepRead(ctx, args[0], actor())
			})
		},
	})
	return step
}

func stepActionCmd(action, use, short string, nargs int) *cobra.Command {
	var opinion string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ProcessOptions{
				StepID:  args[0],
				ActorID: actor(),
				Action:  action,
				Opinion: opinion,
			}
			switch action {
			case domain.ActionDelegate:
				opts.DelegateTo = args[1]
			case domain.ActionReturn:
				opts.ReturnToNode = args[1]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.ProcessStep(ctx, opts)
				if err != nil {
					return err
				}
				return printInstance(in)
			})
		},
	}
	cmd.Flags().StringVarP(&opinion, "opinion", "m", "", "opinion text")
	return cmd
}

func opinionCmd() *cobra.Command {
	op := &cobra.Command{Use: "opinion", Short: "Comment on steps"}
	var opts engine.OpinionOptions
	add := &cobra.Command{
		Use:   "add <step-id> <content>",
		Short: "Add an opinion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.StepID, opts.Content, opts.AuthorID = args[0], args[1], actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.AddOpinion(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	add.Flags().StringVar(&opts.Type, "type", domain.OpinionComment, "COMMENT, APPROVE or REJECT")
	add.Flags().StringVar(&opts.AuthorName, "name", "", "display name")
	add.Flags().BoolVar(&opts.Private, "private", false, "visible to the author only")
	add.Flags().StringVar(&opts.ReplyTo, "reply-to", "", "opinion id being answered")
	op.AddCommand(add)
	op.AddCommand(&cobra.Command{
		Use:   "list <step-id>",
		Short: "List opinions visible to the acting user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListOpinions(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Author", "Type", "Private", "Created", "Content")
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.AuthorID, o.OpinionType, o.IsPrivate, o.CreatedAt, o.Content})
				}
				tw.Render()
				return nil
			})
		},
	})
	return op
}

func myCmd() *cobra.Command {
	my := &cobra.Command{Use: "my", Short: "Inbox views for the acting user"}
	my.AddCommand(&cobra.Command{
		Use:   "todo",
		Short: "Pending steps assigned to me",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.MyTodo(ctx, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Step", "Instance No", "Title", "Flow", "Node", "Applicant", "Urgency", "Started", "Read")
				for _, it := range items {
					tw.AppendRow(table.Row{it.StepID, it.InstanceNo, it.Title, it.FlowName, it.NodeName, it.ApplicantID, it.Urgency, it.StartedAt, it.IsRead})
				}
				tw.Render()
				return nil
			})
		},
	})
	my.AddCommand(&cobra.Command{
		Use:   "done",
		Short: "Steps I have acted on",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.MyDone(ctx, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Step", "Instance No", "Title", "Flow", "Status", "Action", "Completed")
				for _, it := range items {
					tw.AppendRow(table.Row{it.StepID, it.InstanceNo, it.Title, it.FlowName, it.Status, it.Action, deref(it.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	my.AddCommand(&cobra.Command{
		Use:   "initiated",
		Short: "Instances I started",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.MyInitiated(ctx, actor())
				if err != nil {
					return err
				}
				return printInstances(items)
			})
		},
	})
	return my
}

func directoryCmd() *cobra.Command {
	dir := &cobra.Command{
		Use:   "directory",
		Short: "Manage role and department membership",
		Long:  "ROLE and DEPT assignees resolve through these memberships. Entries from the config file are seeded on every start.",
	}
	member := func(use, short string, fn func(context.Context, *app.App, domain.Member) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <ROLE|DEPT> <group-id> <user-id>",
			Short: short,
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				m := domain.Member{Kind: args[0], GroupID: args[1], UserID: args[2]}
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					return fn(ctx, a, m)
				})
			},
		}
	}
	dir.AddCommand(member("add", "Add a user to a group", func(ctx context.Context, a *app.App, m domain.Member) error {
		return a.Directory.AddMember(ctx, m)
	}))
	dir.AddCommand(member("remove", "Remove a user from a group", func(ctx context.Context, a *app.App, m domain.Member) error {
		return a.Directory.RemoveMember(ctx, m)
	}))
	var kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List memberships",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Directory.ListMembers(ctx, kind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Kind", "Group", "User")
				for _, m := range items {
					tw.AppendRow(table.Row{m.Kind, m.GroupID, m.UserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "ROLE or DEPT")
	dir.AddCommand(list)
	return dir
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sc := a.Config.Server
				if addr == "" {
					addr = sc.Addr
				}
				if basePath == "" {
					basePath = sc.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = sc.JWTSecret
				}
				if secret == "" && !sc.AllowUserHeader {
					return errors.New("no way to authenticate: set APPROVALFLOW_JWT_SECRET or server.allow_user_header")
				}
				logger := a.Logger
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Version:  version,
					Logger:   logger,
					Auth: server.AuthConfig{
						JWTSecret:       secret,
						AllowUserHeader: sc.AllowUserHeader,
						Logger:          logger.With("handler", "auth"),
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				logger.Info(logkeys.Message, "starting server", "listen", addr, "base_path", basePath, "version", version)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				logger.Info(logkeys.Message, "server stopped")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var name string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a bearer token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return errors.New("no signing secret: set APPROVALFLOW_JWT_SECRET or server.jwt_secret")
			}
			tok, err := server.SignToken(secret, args[0], name, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func actor() string {
	return viper.GetString("user")
}

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

// loadConfig reads the config file when present and applies flag and
// environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(configPath())
	if err != nil {
		return nil, err
	}
	if ws := viper.GetString("workspace"); ws != "" {
		cfg.Database.Workspace = ws
	}
	if d := viper.GetString("db-driver"); d != "" {
		cfg.Database.Driver = d
	}
	if dsn := viper.GetString("db-dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if viper.GetBool("debug") {
		cfg.Log.Debug = true
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(cfg.Log.Debug))
	a, err := app.Open(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printFlow(f domain.Flow) error {
	if viper.GetBool("json") {
		return printJSON(f)
	}
	fmt.Printf("%s  %s (%s) v%d published=%t active=%t\n", f.ID, f.Name, f.FlowNo, f.Version, f.IsPublished, f.IsActive)
	if len(f.Nodes) == 0 {
		return nil
	}
	no := map[string]string{}
	tw := newTable("Node", "Type", "Mode", "Assignees")
	for _, n := range f.Nodes {
		no[n.ID] = n.NodeNo
		assignees := n.AssigneeType
		if n.AssigneeValue != "" {
			assignees += " " + n.AssigneeValue
		}
		tw.AppendRow(table.Row{n.NodeNo, n.NodeType, n.ApprovalType, assignees})
	}
	tw.Render()
	lt := newTable("From", "To", "Condition", "Priority")
	for _, l := range f.Lines {
		cond := l.ConditionType
		if l.ConditionExpression != "" {
			cond += " " + l.ConditionExpression
		}
		lt.AppendRow(table.Row{no[l.FromNodeID], no[l.ToNodeID], cond, l.Priority})
	}
	lt.Render()
	return nil
}

func printInstance(in domain.Instance) error {
	if viper.GetBool("json") {
		return printJSON(in)
	}
	fmt.Printf("%s  %s %q status=%s applicant=%s\n", in.ID, in.InstanceNo, in.Title, in.Status, in.ApplicantID)
	if len(in.Steps) == 0 {
		return nil
	}
	tw := newTable("Step", "Step No", "Node", "Assignee", "Status", "Action", "Opinion")
	for _, s := range in.Steps {
		tw.AppendRow(table.Row{s.ID, s.StepNo, s.NodeName, s.AssigneeID, s.Status, deref(s.Action), deref(s.Opinion)})
	}
	tw.Render()
	return nil
}

func printInstances(items []domain.Instance) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Instance No", "Title", "Applicant", "Status", "Urgency", "Started")
	for _, in := range items {
		tw.AppendRow(table.Row{in.ID, in.InstanceNo, in.Title, in.ApplicantID, in.Status, in.Urgency, in.StartedAt})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalBool(name, raw string) (*bool, error) {
	switch strings.ToLower(raw) {
	case "":
		return nil, nil
	case "true", "yes":
		v := true
		return &v, nil
	case "false", "no":
		v := false
		return &v, nil
	}
	return nil, fmt.Errorf("--%s must be true or false", name)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
