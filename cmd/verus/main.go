package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"verus/internal/config"
	"verus/internal/db"
	"verus/internal/domain"
	"verus/internal/engine"
	"verus/internal/ledger"
	"verus/internal/logging"
	"verus/internal/migrate"
	"verus/internal/oracle"
	"verus/internal/payment"
	"verus/internal/registry"
	"verus/internal/server"
	verussdk "verus/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "verus",
	Short: "Verus CLI",
	Long: `Verus runs a three-party gig protocol: sponsors post jobs, freelancers
deliver artifacts, and a payment facilitator settles the money and anchors
every state change on an append-only audit log.
- Facilitator: 'verus serve' hosts the job lifecycle and verify/settle API.
- Validator: 'verus validator' hosts the payment-gated grading oracle.
- Actors: 'verus job ...' and 'verus feedback' drive the sponsor and
  freelancer sides against a running facilitator.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("VERUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("facilitator", "", "facilitator URL (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("facilitator", rootCmd.PersistentFlags().Lookup("facilitator"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validatorCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(supportedCmd())
}

// --- facilitator ---

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the facilitator API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			tbl, err := payment.NewTable(cfg.Payment.Networks)
			if err != nil {
				return err
			}
			facilitator := &payment.Facilitator{DB: conn, Table: tbl, Logger: logger}
			log := &ledger.SQLLog{DB: conn}
			reg := &registry.Registry{
				DB:         conn,
				Log:        log,
				SigningKey: []byte(cfg.Registry.SigningKey),
				AuthTTL:    cfg.Registry.FeedbackAuthTTL,
				ChainID:    cfg.Payment.ChainID,
			}

			var grader oracle.Grader
			if cfg.Validator.URL != "" {
				grader = oracle.NewHTTPGrader(cfg.Validator.URL, tbl, cfg.Timeouts.Oracle)
			} else {
				logger.Warn("no validator configured, grading locally")
				grader = oracle.WordCount{}
			}

			e := engine.New(conn, log, reg, grader, cfg, logger)
			if err := bootstrapAgent(cmd.Context(), cfg, log, reg, logger); err != nil {
				return err
			}

			handler, err := server.New(server.Config{
				Engine:      e,
				Facilitator: facilitator,
				Conf:        cfg,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			logger.Info("facilitator listening", "addr", cfg.Server.Addr)
			return serveHTTP(cmd.Context(), cfg, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func validatorCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "validator",
		Short: "Start the validator API server (grading oracle)",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			tbl, err := payment.NewTable(cfg.Payment.Networks)
			if err != nil {
				return err
			}
			facilitator := &payment.Facilitator{DB: conn, Table: tbl, Logger: logger}
			handler, err := server.NewValidator(server.ValidatorConfig{
				Grader:      oracle.WordCount{},
				Facilitator: facilitator,
				Conf:        cfg,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			logger.Info("validator listening", "addr", cfg.Server.Addr)
			return serveHTTP(cmd.Context(), cfg, handler)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func serveHTTP(ctx context.Context, cfg *config.Config, handler http.Handler) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// bootstrapAgent publishes this actor's card and registers its identity on
// first run. Registration is skipped once the config carries an agent id.
func bootstrapAgent(ctx context.Context, cfg *config.Config, log ledger.Log, reg *registry.Registry, logger *slog.Logger) error {
	if cfg.Actor.AgentID != 0 {
		return nil
	}
	topic := cfg.Ledger.AgentsTopic
	if topic == "" {
		var err error
		topic, err = log.CreateTopic(ctx, "agent cards")
		if err != nil {
			return err
		}
		cfg.Ledger.AgentsTopic = topic
	}
	uri, err := reg.PublishAgentCard(ctx, topic, agentCard(cfg))
	if err != nil {
		return err
	}
	id, err := reg.Register(ctx, uri, cfg.Actor.Address)
	if err != nil {
		return err
	}
	cfg.Actor.AgentID = id
	logger.Info("agent registered", "agent", id, "uri", uri,
		"hint", fmt.Sprintf("persist actor.agent_id: %d in %s", id, config.Path(viper.GetString("workspace"))))
	return nil
}

func agentCard(cfg *config.Config) domain.AgentCard {
	return domain.AgentCard{
		Name:            cfg.Actor.Name,
		Description:     "Verus payment facilitator for sponsored jobs",
		ProtocolVersion: "0.3.0",
		Version:         "0.1.0",
		URL:             cfg.Actor.URL,
		Skills: []domain.AgentSkill{
			{
				ID:          "facilitate-jobs",
				Name:        "Facilitate jobs",
				Description: "Runs the job lifecycle and settles payments between sponsor and freelancer",
				Tags:        []string{"payments", "jobs"},
			},
		},
		DefaultInputModes:  []string{"application/json"},
		DefaultOutputModes: []string{"application/json"},
		Capabilities:       domain.AgentCapabilities{},
	}
}

// --- actor front-ends ---

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Sponsor and freelancer job operations",
	}
	job.AddCommand(jobSubmitCmd())
	job.AddCommand(jobAcceptCmd())
	job.AddCommand(jobDeliverCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	return job
}

func jobSubmitCmd() *cobra.Command {
	var description, criteria, feedbackAuth string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job (sponsor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if description == "" || criteria == "" {
				return fmt.Errorf("--description and --criteria required")
			}
			auth := feedbackAuth
			if auth == "" {
				var err error
				auth, err = issueLocalAuth(cmd.Context())
				if err != nil {
					return err
				}
			}
			c, err := payingClient()
			if err != nil {
				return err
			}
			id, err := c.SubmitJob(cmd.Context(), description, criteria, auth)
			if err != nil {
				return err
			}
			out := map[string]any{"jobID": id}
			if receipt := c.LastPaymentReceipt(); receipt != nil {
				out["paymentResponse"] = receipt
			}
			return printJSONOrTable(out)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().StringVar(&criteria, "criteria", "", "acceptance criteria (target word count)")
	cmd.Flags().StringVar(&feedbackAuth, "feedback-auth", "", "sponsor feedback authorization (issued locally when omitted)")
	return cmd
}

func jobAcceptCmd() *cobra.Command {
	var jobID int64
	var wallet, feedbackAuth string
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Accept an open job (freelancer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == 0 {
				return fmt.Errorf("--job required")
			}
			if wallet == "" {
				wallet = localActorAddress()
			}
			auth := feedbackAuth
			if auth == "" {
				var err error
				auth, err = issueLocalAuth(cmd.Context())
				if err != nil {
					return err
				}
			}
			c, err := payingClient()
			if err != nil {
				return err
			}
			job, err := c.AcceptJob(cmd.Context(), jobID, wallet, auth)
			if err != nil {
				return err
			}
			return printJSONOrTable(job)
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	cmd.Flags().StringVar(&wallet, "wallet", "", "freelancer wallet address (defaults to config actor)")
	cmd.Flags().StringVar(&feedbackAuth, "feedback-auth", "", "freelancer feedback authorization (issued locally when omitted)")
	return cmd
}

func jobDeliverCmd() *cobra.Command {
	var jobID int64
	var artifact, file string
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver an artifact for grading (freelancer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == 0 {
				return fmt.Errorf("--job required")
			}
			if artifact == "" && file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				artifact = string(data)
			}
			if artifact == "" {
				return fmt.Errorf("--artifact or --file required")
			}
			c, err := payingClient()
			if err != nil {
				return err
			}
			res, err := c.DeliverJob(cmd.Context(), jobID, artifact)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	cmd.Flags().StringVar(&artifact, "artifact", "", "artifact text")
	cmd.Flags().StringVar(&file, "file", "", "read artifact from file")
	return cmd
}

func jobListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := payingClient()
			if err != nil {
				return err
			}
			jobs, err := c.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(jobs)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Status", "Description", "Criteria", "Freelancer"})
			for _, j := range jobs {
				freelancer := ""
				if j.FreelancerAddress != nil {
					freelancer = *j.FreelancerAddress
				}
				t.AppendRow(table.Row{j.ID, j.Status, truncate(j.Description, 48), j.AcceptanceCriteria, freelancer})
			}
			t.Render()
			return nil
		},
	}
	return cmd
}

func jobShowCmd() *cobra.Command {
	var jobID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == 0 {
				return fmt.Errorf("--job required")
			}
			c, err := payingClient()
			if err != nil {
				return err
			}
			job, err := c.GetJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			return printJSONOrTable(job)
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	return cmd
}

func feedbackCmd() *cobra.Command {
	var jobID int64
	var score int
	var tag1, tag2 string
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Redeem the freelancer's feedback authorization (sponsor)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == 0 {
				return fmt.Errorf("--job required")
			}
			c, err := payingClient()
			if err != nil {
				return err
			}
			job, err := c.GetJob(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if job.FreelancerFeedbackAuth == nil {
				return fmt.Errorf("job %d holds no freelancer feedback authorization", jobID)
			}
			txHash, err := c.SponsorFeedback(cmd.Context(), jobID, *job.FreelancerFeedbackAuth, score, tag1, tag2)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"txHash": txHash})
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	cmd.Flags().IntVar(&score, "score", 0, "score 1-100 (0 applies the default policy)")
	cmd.Flags().StringVar(&tag1, "tag1", "", "first feedback tag")
	cmd.Flags().StringVar(&tag2, "tag2", "", "second feedback tag")
	return cmd
}

// --- registry operations ---

func authCmd() *cobra.Command {
	auth := &cobra.Command{
		Use:   "auth",
		Short: "Feedback authorization operations",
	}
	auth.AddCommand(authIssueCmd())
	return auth
}

func authIssueCmd() *cobra.Command {
	var agentID int64
	var client, recipient string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed feedback authorization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry, cfg *config.Config) error {
				if agentID == 0 {
					agentID = cfg.Actor.AgentID
				}
				if client == "" {
					client = cfg.Actor.Address
				}
				if recipient == "" {
					recipient = cfg.Actor.Address
				}
				auth, err := reg.NewFeedbackAuth(ctx, agentID, client, recipient)
				if err != nil {
					return err
				}
				token, err := reg.SignFeedbackAuth(auth)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"feedbackAuth": token,
					"agentId":      auth.AgentID,
					"index":        auth.Index,
					"expiry":       auth.Expiry,
				})
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent-id", 0, "agent id the feedback is about")
	cmd.Flags().StringVar(&client, "client", "", "address allowed to redeem")
	cmd.Flags().StringVar(&recipient, "recipient", "", "feedback recipient address")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Agent identity operations",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentShowCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Publish this actor's card and register its identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry, cfg *config.Config) error {
				topic := cfg.Ledger.AgentsTopic
				if topic == "" {
					var err error
					topic, err = reg.Log.CreateTopic(ctx, "agent cards")
					if err != nil {
						return err
					}
				}
				uri, err := reg.PublishAgentCard(ctx, topic, agentCard(cfg))
				if err != nil {
					return err
				}
				id, err := reg.Register(ctx, uri, cfg.Actor.Address)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"agentId":     id,
					"metadataUri": uri,
					"agentsTopic": topic,
				})
			})
		},
	}
	return cmd
}

func agentShowCmd() *cobra.Command {
	var agentID int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Resolve an agent's card",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == 0 {
				return fmt.Errorf("--agent-id required")
			}
			return withRegistry(cmd.Context(), func(ctx context.Context, reg *registry.Registry, cfg *config.Config) error {
				card, err := reg.ResolveCard(ctx, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(card)
			})
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent-id", 0, "agent id")
	return cmd
}

// --- audit log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit log operations",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var topic string
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail a topic's messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic == "" {
				return fmt.Errorf("--topic required")
			}
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB) error {
				rows, err := conn.QueryContext(ctx,
					`SELECT seq, payload_json, ts FROM topic_messages WHERE topic_id=? ORDER BY seq DESC LIMIT ?`,
					topic, n)
				if err != nil {
					return err
				}
				defer rows.Close()
				type message struct {
					Seq     int64           `json:"seq"`
					Payload json.RawMessage `json:"payload"`
					TS      string          `json:"ts"`
				}
				var messages []message
				for rows.Next() {
					var m message
					var payload string
					if err := rows.Scan(&m.Seq, &payload, &m.TS); err != nil {
						return err
					}
					m.Payload = json.RawMessage(payload)
					messages = append(messages, m)
				}
				if err := rows.Err(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(messages)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Seq", "TS", "Payload"})
				for _, m := range messages {
					t.AppendRow(table.Row{m.Seq, m.TS, truncate(string(m.Payload), 80)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic id")
	cmd.Flags().IntVar(&n, "n", 20, "number of messages")
	return cmd
}

func supportedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supported",
		Short: "List the facilitator's supported payment kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := payingClient()
			if err != nil {
				return err
			}
			kinds, err := c.Supported(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(kinds)
		},
	}
	return cmd
}

// --- helpers ---

func payingClient() (*verussdk.Client, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	base := viper.GetString("facilitator")
	if base == "" {
		base = cfg.Facilitator.URL
	}
	if base == "" {
		base = "http://localhost" + cfg.Server.Addr
	}
	return verussdk.NewPaying(base, cfg.Payment.Networks)
}

func localActorAddress() string {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return ""
	}
	return cfg.Actor.Address
}

// issueLocalAuth mints a feedback authorization with this workspace's
// registry signing key, for actors who run against a shared store.
func issueLocalAuth(ctx context.Context) (string, error) {
	var token string
	err := withRegistry(ctx, func(ctx context.Context, reg *registry.Registry, cfg *config.Config) error {
		auth, err := reg.NewFeedbackAuth(ctx, cfg.Actor.AgentID, cfg.Actor.Address, cfg.Actor.Address)
		if err != nil {
			return err
		}
		token, err = reg.SignFeedbackAuth(auth)
		return err
	})
	return token, err
}

func withRegistry(ctx context.Context, fn func(context.Context, *registry.Registry, *config.Config) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return withDB(ctx, func(ctx context.Context, conn *sql.DB) error {
		reg := &registry.Registry{
			DB:         conn,
			Log:        &ledger.SQLLog{DB: conn},
			SigningKey: []byte(cfg.Registry.SigningKey),
			AuthTTL:    cfg.Registry.FeedbackAuthTTL,
			ChainID:    cfg.Payment.ChainID,
		}
		return fn(ctx, reg, cfg)
	})
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, conn)
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
