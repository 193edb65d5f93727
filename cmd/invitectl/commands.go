package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/charadev96/invitecore/internal/client"
	"github.com/charadev96/invitecore/internal/server"
	"github.com/charadev96/invitecore/internal/server/handler/admin"
	"github.com/charadev96/invitecore/internal/shared/config"
	"github.com/charadev96/invitecore/internal/shared/log"
)

type command func(ctx context.Context, api admin.InvitationServer, args []string) error

var commands = map[string]command{
	"create":   createCmd,
	"validate": validateCmd,
	"use":      useCmd,
	"revoke":   revokeCmd,
	"show":     showCmd,
	"list":     listCmd,
	"stats":    statsCmd,
	"expire":   expireCmd,
}

func run(ctx context.Context, configPath, addr, name string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := log.New("invitectl", log.Options{Level: level, JSON: cfg.Log.JSON})

	if name == "serve" {
		return serve(ctx, cfg, &logger)
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command '%s'", name)
	}

	if addr != "" {
		c, err := client.Dial(addr)
		if err != nil {
			return err
		}
		defer c.Close()
		c.Logger = &logger
		return cmd(ctx, c, args)
	}

	a, err := newApp(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return cmd(ctx, &admin.InvitationServiceHandler{Service: a.Service}, args)
}

func serve(ctx context.Context, cfg config.Config, logger *zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &server.Server{
		Admin: server.AdminConfig{
			Addr:   cfg.Admin.Addr,
			Logger: logger,
		},
		InvitationService: a.Service,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ServeAdmin(ctx)
	})
	if cfg.Admin.SweepInterval > 0 {
		g.Go(func() error {
			return srv.SweepExpired(ctx, cfg.Admin.SweepInterval)
		})
	}
	return g.Wait()
}

func createCmd(ctx context.Context, api admin.InvitationServer, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	code := fs.String("code", "", "invitation code")
	createdBy := fs.String("by", "", "creator")
	limit := fs.Int("limit", 0, "usage limit, 0 for unlimited")
	expiresIn := fs.Duration("expires-in", 0, "lifetime, 0 for no expiry")
	metadata := metadataFlag{}
	fs.Var(metadata, "meta", "metadata entry key=value, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := &admin.CreateInvitationRequest{
		Code:      *code,
		CreatedBy: *createdBy,
		Metadata:  metadata,
	}
	if *limit != 0 {
		req.UsageLimit = limit
	}
	if *expiresIn != 0 {
		exp := time.Now().UTC().Add(*expiresIn)
		req.ExpiresAt = &exp
	}

	reply, err := api.CreateInvitation(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(reply.Invitation)
}

func validateCmd(ctx context.Context, api admin.InvitationServer, args []string) error {
	code, err := codeArg("validate", args)
	if err != nil {
		return err
	}
	reply, err := api.ValidateInvitation(ctx, &admin.ValidateInvitationRequest{Code: code})
	if err != nil {
		return err
	}
	return printJSON(reply)
}

func useCmd(ctx context.Context, api admin.InvitationServer, args []string) error {
	fs := flag.NewFlagSet("use", flag.ContinueOnError)
	code := fs.String("code", "", "invitation code")
	usedBy := fs.String("by", "", "redeeming user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reply, err := api.UseInvitation(ctx, &admin.UseInvitationRequest{Code: *code, UsedBy: *usedBy})
	if err != nil {
		return err
	}
	return printJSON(reply)
}

func revokeCmd(ctx context.Context, api admin.InvitationServer, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	code := fs.String("code", "", "invitation code")
	revokedBy := fs.String("by", "", "revoking user")
	reason := fs.String("reason", "", "revocation reason")
	yes := fs.Bool("yes", false, "skip confirmation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*yes {
		prompt := promptui.Prompt{
			Label:     fmt.Sprintf("Revoke invitation '%s'", *code),
			IsConfirm: true,
		}
		if _, err := prompt.Run(); err != nil {
			if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
				fmt.Println("aborted")
				return nil
			}
			return err
		}
	}

	reply, err := api.RevokeInvitation(ctx, &admin.RevokeInvitationRequest{
		Code:      *code,
		RevokedBy: *revokedBy,
		Reason:    *reason,
	})
	if err != nil {
		return err
	}
	return printJSON(reply.Invitation)
}

func showCmd(ctx context.Context, api admin.InvitationServer, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	code := fs.String("code", "", "invitation code")
	id := fs.String("id", "", "invitation id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reply, err := api.GetInvitation(ctx, &admin.GetInvitationRequest{ID: *id, Code: *code})
	if err != nil {
		return err
	}
	return printJSON(reply.Invitation)
}

func listCmd(ctx context.Context, api admin.InvitationServer, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	createdBy := fs.String("by", "", "creator")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reply, err := api.ListInvitations(ctx, &admin.ListInvitationsRequest{CreatedBy: *createdBy})
	if err != nil {
		return err
	}
	return printJSON(reply.Invitations)
}

func statsCmd(ctx context.Context, api admin.InvitationServer, args []string) error {
	reply, err := api.GetStats(ctx, &admin.GetStatsRequest{})
	if err != nil {
		return err
	}
	return printJSON(reply)
}

func expireCmd(ctx context.Context, api admin.InvitationServer, args []string) error {
	reply, err := api.ExpireInvitations(ctx, &admin.ExpireInvitationsRequest{})
	if err != nil {
		return err
	}
	fmt.Printf("expired %d invitation(s)\n", reply.Expired)
	return nil
}

func codeArg(name string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: invitectl %s <code>", name)
	}
	return args[0], nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type metadataFlag map[string]any

func (m metadataFlag) String() string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(pairs, ",")
}

func (m metadataFlag) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got '%s'", s)
	}
	m[key] = value
	return nil
}
