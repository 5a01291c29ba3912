package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"ogimage/internal/bootstrap"
	"ogimage/internal/domain"
	"ogimage/internal/infra"
	"ogimage/internal/infra/credentials"
	"ogimage/internal/middleware"
	"ogimage/internal/params"
	"ogimage/internal/render"
	"ogimage/internal/templates"
	"ogimage/pkg/zip"
)

// env is what every command needs after configuration is loaded.
type env struct {
	cfg    *infra.Config
	logger infra.Logger
	out    io.Writer
}

func loadEnv(cmd *cli.Command) (*env, error) {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := infra.NewLogger(cfg).With().Str("cmd", cmd.Name).Logger()
	return &env{cfg: cfg, logger: logger, out: cmd.Root().Writer}, nil
}

// withStores opens the configured stores. Admin commands refuse to run
// against in-memory stores since their writes would vanish on exit.
func withStores(ctx context.Context, cmd *cli.Command, persistent bool, fn func(*env, *bootstrap.Stores) error) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	if persistent && e.cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for this command")
	}
	stores, err := bootstrap.OpenStores(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	return fn(e, stores)
}

func rootCmd() *cli.Command {
	return &cli.Command{
		Name:  "ogctl",
		Usage: "Administer the og image service",
		// titles may contain commas
		DisableSliceFlagSeparator: true,
		Commands: []*cli.Command{
			accountCmd(),
			apiKeyCmd(),
			planCmd(),
			sessionCmd(),
			templateCmd(),
			renderCmd(),
		},
	}
}

func accountCmd() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Manage accounts",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true, Usage: "account email"},
					&cli.StringFlag{Name: "plan", Value: string(domain.PlanFree), Usage: "free, pro or enterprise"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withStores(ctx, cmd, true, func(e *env, s *bootstrap.Stores) error {
						acct := &domain.Account{Email: cmd.String("email"), Plan: domain.ParsePlan(cmd.String("plan"))}
						if err := s.Accounts.Create(ctx, acct); err != nil {
							return fmt.Errorf("create account: %w", err)
						}
						fmt.Fprintf(e.out, "account %s (%s)\n", acct.ID, acct.Plan)
						return nil
					})
				},
			},
		},
	}
}

func apiKeyCmd() *cli.Command {
	return &cli.Command{
		Name:  "apikey",
		Usage: "Manage API keys",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Issue an API key; the secret is printed once",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Required: true, Usage: "owning account id"},
					&cli.StringFlag{Name: "name", Usage: "label shown in the dashboard"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withStores(ctx, cmd, true, func(e *env, s *bootstrap.Stores) error {
						if _, err := bootstrap.RequireAccount(ctx, s.Accounts, cmd.String("account")); err != nil {
							return err
						}
						secret, err := credentials.GenerateSecret()
						if err != nil {
							return err
						}
						key := &domain.APIKey{
							AccountID: cmd.String("account"),
							Name:      cmd.String("name"),
							KeyHash:   credentials.HashAPIKey(secret),
							Active:    true,
						}
						if err := s.APIKeys.Create(ctx, key); err != nil {
							return fmt.Errorf("create api key: %w", err)
						}
						fmt.Fprintf(e.out, "key id: %s\nsecret: %s\n", key.ID, secret)
						return nil
					})
				},
			},
		},
	}
}

func planCmd() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Manage account plans",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Move an account to another plan",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Required: true, Usage: "account id"},
					&cli.StringFlag{Name: "plan", Required: true, Usage: "free, pro or enterprise"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					raw := strings.ToLower(strings.TrimSpace(cmd.String("plan")))
					plan := domain.ParsePlan(raw)
					if string(plan) != raw {
						return fmt.Errorf("unknown plan %q", raw)
					}
					return withStores(ctx, cmd, true, func(e *env, s *bootstrap.Stores) error {
						if err := s.Accounts.SetPlan(ctx, cmd.String("account"), plan); err != nil {
							return fmt.Errorf("set plan: %w", err)
						}
						fmt.Fprintf(e.out, "account %s is now on %s (%d requests/month)\n", cmd.String("account"), plan, plan.MonthlyLimit())
						return nil
					})
				},
			},
		},
	}
}

func sessionCmd() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Dashboard session tokens",
		Commands: []*cli.Command{
			{
				Name:  "mint",
				Usage: "Mint a session token for an account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Required: true, Usage: "account id"},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime (default SESSION_TTL_HOURS)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					e, err := loadEnv(cmd)
					if err != nil {
						return err
					}
					ttl := cmd.Duration("ttl")
					if ttl <= 0 {
						ttl = e.cfg.SessionTTL
					}
					token, err := middleware.NewSessionSigner(e.cfg.SessionSecret).Mint(cmd.String("account"), ttl)
					if err != nil {
						return err
					}
					fmt.Fprintf(e.out, "%s=%s\n", e.cfg.SessionCookie, token)
					return nil
				},
			},
		},
	}
}

func templateCmd() *cli.Command {
	return &cli.Command{
		Name:  "template",
		Usage: "Manage stored templates",
		Commands: []*cli.Command{
			{
				Name:  "put",
				Usage: "Create or update a stored template",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Required: true, Usage: "owning account id"},
					&cli.StringFlag{Name: "id", Usage: "template id (generated when empty)"},
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.StringFlag{Name: "base", Value: "default", Usage: "built-in layout: " + strings.Join(params.Templates, ", ")},
					&cli.StringSliceFlag{Name: "set", Usage: "default parameter as key=value (repeatable)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					defaults, err := parsePairs(cmd.StringSlice("set"))
					if err != nil {
						return err
					}
					tpl := &domain.StoredTemplate{
						ID:             cmd.String("id"),
						OwnerAccountID: cmd.String("account"),
						Name:           cmd.String("name"),
						Base:           cmd.String("base"),
						Defaults:       defaults,
					}
					if err := templates.Prepare(tpl); err != nil {
						return err
					}
					return withStores(ctx, cmd, true, func(e *env, s *bootstrap.Stores) error {
						if err := s.Templates.Put(ctx, tpl); err != nil {
							return fmt.Errorf("store template: %w", err)
						}
						fmt.Fprintf(e.out, "template %s (%s)\n", tpl.ID, tpl.Base)
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "List an account's stored templates",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Required: true, Usage: "owning account id"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withStores(ctx, cmd, true, func(e *env, s *bootstrap.Stores) error {
						items, err := s.Templates.ListByOwner(ctx, cmd.String("account"))
						if err != nil {
							return err
						}
						for _, tpl := range items {
							fmt.Fprintf(e.out, "%s\t%s\t%s\t%s\n", tpl.ID, tpl.Base, tpl.Name, tpl.UpdatedAt.Format(time.RFC3339))
						}
						return nil
					})
				},
			},
		},
	}
}

func renderCmd() *cli.Command {
	return &cli.Command{
		Name:  "render",
		Usage: "Render an image to a file using the local pipeline",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Usage: "request parameter as key=value (repeatable)"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Required: true, Usage: "output file"},
			&cli.BoolFlag{Name: "all-themes", Usage: "render every theme into a zip archive at --out"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			raw, err := parsePairs(cmd.StringSlice("param"))
			if err != nil {
				return err
			}
			variants := []map[string]string{raw}
			if cmd.Bool("all-themes") {
				variants = variants[:0]
				for _, theme := range params.Themes {
					v := maps.Clone(raw)
					v[params.KeyTheme] = theme
					variants = append(variants, v)
				}
			}
			reqs := make([]*params.RenderRequest, 0, len(variants))
			for _, v := range variants {
				req, err := params.Parse(v)
				if err != nil {
					return err
				}
				reqs = append(reqs, req)
			}

			return withStores(ctx, cmd, false, func(e *env, s *bootstrap.Stores) error {
				fonts, err := bootstrap.NewFontLoader(e.cfg, e.logger)
				if err != nil {
					return err
				}
				resolver := templates.NewResolver(s.Templates)
				pipeline := render.NewPipeline(fonts, bootstrap.NewEngine(e.cfg), e.logger)

				var assets []zip.Asset
				for _, req := range reqs {
					desc, err := resolver.Resolve(ctx, req, domain.Credential{})
					if err != nil {
						return err
					}
					out, err := pipeline.Render(ctx, desc, req.Format, !req.DisableFallback)
					if err != nil {
						return err
					}
					name := cmd.String("out")
					if cmd.Bool("all-themes") {
						name = req.Theme + extensionFor(out.ContentType)
						assets = append(assets, zip.Asset{Filename: name, Data: out.Body})
					} else if err := os.WriteFile(name, out.Body, 0o644); err != nil {
						return fmt.Errorf("write image: %w", err)
					}
					fmt.Fprintf(e.out, "%s\t%s\t%d bytes\tstate=%s\tfont=%s\n", name, out.ContentType, len(out.Body), out.State, out.Font)
				}
				if len(assets) == 0 {
					return nil
				}
				return writeArchive(cmd.String("out"), assets)
			})
		},
	}
}

func writeArchive(path string, assets []zip.Asset) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if err := zip.Write(f, assets, time.Now()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	return f.Close()
}

func extensionFor(contentType string) string {
	if contentType == render.ContentTypePNG {
		return ".png"
	}
	return ".svg"
}

// parsePairs turns key=value arguments into a parameter map.
func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = value
	}
	return out, nil
}
