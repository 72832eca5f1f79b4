// signctl is the operator CLI: schema migration, admin seeding and the
// maintenance jobs that have no HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"gorm.io/gorm"

	"signportal/internal/app"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/config"
	"signportal/internal/logger"
	"signportal/internal/models"
	"signportal/internal/util"
)

func main() {
	args := os.Args
	if len(args) == 1 {
		args = append(args, "--help")
	}
	root := &cli.Command{
		Name:  "signctl",
		Usage: "signportal operator commands",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML config file"},
		},
		Commands: []*cli.Command{
			migrateCommand(),
			seedAdminCommand(),
			unblockCommand(),
			expireCommand(),
			auditCommand(),
		},
	}
	if err := root.Run(context.Background(), args); err != nil {
		log.Fatal(err)
	}
}

// withApp loads config from the root --config flag and hands a migrated app to fn.
func withApp(ctx context.Context, c *cli.Command, fn func(*app.App) error) error {
	cfg, err := config.Load(c.Root().String("config"))
	if err != nil {
		return err
	}
	lg := logger.New(cfg.Env, cfg.LogLevel)
	defer lg.Sync()
	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return fn(a)
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the database schema",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(*app.App) error {
				fmt.Println("schema up to date")
				return nil
			})
		},
	}
}

func seedAdminCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed-admin",
		Usage: "Create the administrator account if it does not exist",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Usage: "overrides ADMIN_EMAIL"},
			&cli.StringFlag{Name: "password", Usage: "overrides ADMIN_PASSWORD"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(a *app.App) error {
				email, password := a.Config.Admin.SeedEmail, a.Config.Admin.SeedPassword
				if v := c.String("email"); v != "" {
					email = v
				}
				if v := c.String("password"); v != "" {
					password = v
				}
				if password == "" {
					return errors.New("no admin password given (--password or ADMIN_PASSWORD)")
				}
				created, err := a.Accounts.EnsureAdmin(ctx, email, password)
				if err != nil {
					return err
				}
				if created {
					fmt.Printf("created admin %s\n", email)
				} else {
					fmt.Printf("%s already exists, left unchanged\n", email)
				}
				return nil
			})
		},
	}
}

// operator is the actor recorded for CLI-driven changes.
var operator = auth.Actor{Email: "system", Role: models.RoleAdmin}

func unblockCommand() *cli.Command {
	return &cli.Command{
		Name:  "unblock",
		Usage: "Unblock a user and reset their failed login counters",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(a *app.App) error {
				var u models.User
				err := a.DB.WithContext(ctx).Where("email = ?", util.NormalizeEmail(c.String("email"))).First(&u).Error
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("no user with email %s", c.String("email"))
				}
				if err != nil {
					return err
				}
				if _, err := a.Admin.UnblockUser(ctx, operator, u.ID); err != nil {
					return err
				}
				fmt.Printf("unblocked %s\n", u.Email)
				return nil
			})
		},
	}
}

func expireCommand() *cli.Command {
	return &cli.Command{
		Name:  "expire",
		Usage: "Expire pending signature requests older than a cutoff",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "older-than", Value: 30 * 24 * time.Hour, Usage: "age of the request, e.g. 720h"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(a *app.App) error {
				ids, err := a.Signing.ExpireOverdue(ctx, c.Duration("older-than"))
				if err != nil {
					return err
				}
				fmt.Printf("expired %d request(s)\n", len(ids))
				for _, id := range ids {
					fmt.Println("  " + id)
				}
				return nil
			})
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Print the most recent audit entries",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20},
			&cli.StringFlag{Name: "event", Usage: "filter by event type"},
			&cli.StringFlag{Name: "search", Usage: "match email, event type or IP"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(a *app.App) error {
				page, err := a.Audit.List(ctx, audit.Filter{
					EventType: c.String("event"),
					Search:    c.String("search"),
					PageSize:  int(c.Int("limit")),
				})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tEVENT\tUSER\tIP\tDETAILS")
				for _, e := range page.Entries {
					var parts []string
					for _, l := range audit.FlattenDetails(e.Details) {
						parts = append(parts, l.Label+": "+l.Value)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.EventType, e.UserEmail, e.IPAddress, strings.Join(parts, "; "))
				}
				return tw.Flush()
			})
		},
	}
}
