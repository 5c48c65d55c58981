package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"memberflow.org/internal/auth"
	"memberflow.org/internal/config"
	"memberflow.org/internal/httpapi"
	"memberflow.org/internal/migrate"
	"memberflow.org/internal/notify"
	"memberflow.org/internal/obs"
	"memberflow.org/internal/orgtree"
	"memberflow.org/internal/store/pg"
	"memberflow.org/internal/sweeper"
	"memberflow.org/internal/transfer"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const (
	shutdownTimeout = 10 * time.Second
	probeInterval   = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		obs.Error("api_exit", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

// stores bundles whichever backend the configuration selected.
type stores struct {
	transfers transfer.Store
	orgs      orgtree.Store
	roles     auth.Source
	grants    auth.Writer
	ready     httpapi.ReadyProbe
	close     func() error
}

// demoOrganizations and demoAssignments seed the in-memory profile so a
// fresh server can run a full transfer without a database.
//
//	1 national
//	├── 10 north
//	│   └── 11 north-east
//	└── 20 south
//	    └── 21 south-east
func demoOrganizations() []orgtree.Organization {
	return []orgtree.Organization{
		orgtree.Node(1, "national"),
		orgtree.Node(10, "north", 1),
		orgtree.Node(11, "north-east", 1, 10),
		orgtree.Node(20, "south", 1),
		orgtree.Node(21, "south-east", 1, 20),
	}
}

func demoAssignments() map[int64][]string {
	return map[int64][]string{
		1:   {auth.RoleAdmin},
		100: {auth.RoleBranchAdmin},
		200: {auth.RoleBranchAdmin},
		42:  {auth.RoleMember},
	}
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	if cfg.InMemory() {
		roles := auth.NewStaticSource(auth.DefaultRolePermissions(), demoAssignments())
		obs.Info("memory_demo_seeded", map[string]any{"organizations": len(demoOrganizations()), "principals": len(demoAssignments())})
		return &stores{
			transfers: transfer.NewInMemory(),
			orgs:      orgtree.NewInMemory(demoOrganizations()...),
			roles:     roles,
			grants:    roles,
			close:     func() error { return nil },
		}, nil
	}

	db, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.AutoMigrate {
		m := migrate.NewManager(db.DB(), nil)
		if _, err := m.Up(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		if _, err := m.Seed(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &stores{
		transfers: db,
		orgs:      db,
		roles:     db,
		grants:    db,
		ready:     httpapi.ReadyProbe{DB: db},
		close:     db.Close,
	}, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)
	cfg.Log()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			obs.Warn("store_close_failed", map[string]any{"error": err.Error()})
		}
	}()

	if cfg.BootstrapAdminID > 0 {
		if err := st.grants.AssignRole(ctx, cfg.BootstrapAdminID, auth.RoleAdmin); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	tree, err := orgtree.NewIndex(st.orgs, orgtree.WithTTL(cfg.OrgCacheTTL))
	if err != nil {
		return err
	}
	if err := tree.Refresh(ctx); err != nil {
		return fmt.Errorf("load organization tree: %w", err)
	}
	authority, err := auth.NewAuthority(ctx, st.roles, auth.WithGrantTTL(cfg.AuthzCacheTTL))
	if err != nil {
		return err
	}
	gate, err := auth.NewGate(authority)
	if err != nil {
		return err
	}

	notices := notify.NewAsync(notify.LogSink{}, 0)
	machine, err := transfer.NewMachine(st.transfers, tree,
		transfer.WithWindowMonths(cfg.TransferWindowMonths),
		transfer.WithNotifier(notices))
	if err != nil {
		return err
	}
	policy, err := transfer.NewPolicy(authority, tree,
		transfer.WithAdminRoles(cfg.AdminRoles...),
		transfer.WithOrgAdminRoles(cfg.OrgAdminRoles...))
	if err != nil {
		return err
	}
	service, err := transfer.NewService(machine, policy, gate)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Deps{
		Service: service,
		Gate:    gate,
		Tree:    tree,
		Tokens:  tokens,
		Grants:  st.grants,
		Ready:   st.ready,
	}, version, httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := httpapi.NewGRPCServer(st.ready)

	var sweep *sweeper.Sweeper
	if !cfg.SweepDisabled {
		sweep, err = sweeper.New(machine, notices, sweeper.WithSchedule(cfg.SweepSchedule))
		if err != nil {
			return err
		}
		if err := sweep.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obs.Info("http_listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if cfg.GRPCAddr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			obs.Info("grpc_listening", map[string]any{"addr": cfg.GRPCAddr})
			return grpcSrv.Server().Serve(lis)
		})
	}
	g.Go(func() error {
		grpcSrv.Watch(gctx, probeInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting_down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if sweep != nil {
			if err := sweep.Stop(shutdownCtx); err != nil {
				obs.Warn("sweeper_stop_failed", map[string]any{"error": err.Error()})
			}
		}
		grpcSrv.Server().GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if cerr := notices.Close(drainCtx); cerr != nil {
		obs.Warn("notice_drain_incomplete", map[string]any{"error": cerr.Error()})
	}
	obs.Info("stopped", nil)
	return err
}
