package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/netsteria/rendezvous/internal/config"
	"github.com/netsteria/rendezvous/internal/host"
	"github.com/netsteria/rendezvous/internal/identity"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func keygenCmd() *cobra.Command {
	var dataDir, appName string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate or display this host's identity",
		Long:  "Generate a new long-term Curve25519 identity, or print the existing one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, existingPort, created, err := identity.LoadOrCreate(dataDir, appName, 0)
			if err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			if created {
				fmt.Printf("Generated identity in %s\n", dataDir)
			} else {
				fmt.Printf("Existing identity in %s\n", dataDir)
			}
			fmt.Printf("EID: %s\n", kp.EID.String())
			_ = existingPort
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	cmd.Flags().StringVarP(&appName, "app-name", "n", "rendezvousd", "Identity file prefix")
	return cmd
}

// profileCmd interactively builds the searchable profile a host advertises
// when it registers, the way the teacher's setup wizard interactively builds
// a Config before writing it out.
func profileCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Interactively edit the registration profile",
		Long: `Run an interactive prompt to fill in the hostname, owner nickname,
and location fields advertised in this host's registration profile, then
write the result into the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefaultConfig(configPath)
			if err != nil {
				return err
			}

			p := &cfg.Registration.Profile
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().Title("Hostname").Value(&p.Hostname),
					huh.NewInput().Title("Owner nickname").Value(&p.OwnerNickname),
					huh.NewInput().Title("City").Value(&p.City),
					huh.NewInput().Title("Region").Value(&p.Region),
					huh.NewInput().Title("Country").Value(&p.Country),
				),
			)
			if err := form.Run(); err != nil {
				return fmt.Errorf("profile: %w", err)
			}

			if err := writeConfig(cfg, configPath); err != nil {
				return err
			}
			fmt.Printf("Profile saved to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rendezvous host",
		Long:  "Start the host with the specified configuration and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, isEmbedded, err := config.LoadOrEmbedded(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if isEmbedded {
				fmt.Println("Using embedded configuration")
			}

			h, err := host.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create host: %w", err)
			}

			fmt.Printf("Starting rendezvous host...\n")
			fmt.Printf("EID: %s\n", h.Identity().EID.String())

			if err := h.Start(); err != nil {
				return fmt.Errorf("failed to start host: %w", err)
			}

			fmt.Printf("Listening on %s\n", cfg.Listen.Address)
			if cfg.Registration.Enabled {
				fmt.Printf("Registering with %s (%s)\n", cfg.Registration.ServerAddr, cfg.Registration.ServerEID)
				go logRegistrationEvents(h)
			}
			if cfg.RegistrationServer.Enabled {
				fmt.Printf("Directory server listening on %s\n", cfg.RegistrationServer.Address)
			}
			if cfg.Metrics.Enabled {
				fmt.Printf("Metrics exposed on %s\n", cfg.Metrics.Address)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}
			fmt.Println("Host stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file (ignored if embedded config present)")
	return cmd
}

// logRegistrationEvents prints every RegistrationEvent a running host emits,
// for the interactive "run" command's console output.
func logRegistrationEvents(h *host.Host) {
	for ev := range h.Events() {
		switch ev.Kind {
		case host.EventRegistered:
			expires := humanize.Time(time.Now().Add(ev.Lifetime))
			fmt.Printf("registered, observed at %s, expires %s\n", ev.Endpoint, expires)
		case host.EventRegistrationError:
			fmt.Printf("registration error: %v\n", ev.Err)
		case host.EventLookupResult:
			if ev.Found {
				fmt.Printf("lookup %s: found at %s\n", ev.Target.ShortString(), ev.Endpoint)
			} else {
				fmt.Printf("lookup %s: not found\n", ev.Target.ShortString())
			}
		case host.EventLookupNotify:
			fmt.Printf("lookup notification from %s at %s\n", ev.From.ShortString(), ev.Endpoint)
		case host.EventSearchResult:
			fmt.Printf("search %q: %d match(es), complete=%v\n", ev.Text, len(ev.IDs), ev.Complete)
		case host.EventDeleted:
			fmt.Printf("record deleted: %v\n", ev.Deleted)
		}
	}
}

func registerCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this host's reachability with a directory server",
		Long:  "Start a host, complete one registration round against the configured directory server, and report the result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefaultConfig(configPath)
			if err != nil {
				return err
			}
			if !cfg.Registration.Enabled {
				return fmt.Errorf("register: registration.enabled must be true in %s", configPath)
			}

			h, err := host.New(cfg)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			if err := h.Start(); err != nil {
				return fmt.Errorf("register: %w", err)
			}
			defer h.Stop()

			select {
			case ev := <-h.Events():
				switch ev.Kind {
				case host.EventRegistered:
					expires := humanize.Time(time.Now().Add(ev.Lifetime))
					fmt.Printf("Registered as %s, observed at %s, expires %s\n", h.Identity().EID.String(), ev.Endpoint, expires)
					return nil
				case host.EventRegistrationError:
					return fmt.Errorf("register: %w", ev.Err)
				}
				return fmt.Errorf("register: unexpected event before registration completed")
			case <-time.After(timeout):
				return fmt.Errorf("register: timed out after %s waiting for the directory server", timeout)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for registration to complete")
	return cmd
}

func lookupCmd() *cobra.Command {
	var (
		configPath string
		notify     bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "lookup <eid>",
		Short: "Resolve a peer's reachability through the directory server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := identity.ParseEID(args[0])
			if err != nil {
				return fmt.Errorf("lookup: %w", err)
			}

			h, err := bootstrapRegisteredHost(configPath, timeout)
			if err != nil {
				return err
			}
			defer h.Stop()

			if err := h.Lookup(target, notify); err != nil {
				return fmt.Errorf("lookup: %w", err)
			}

			select {
			case ev := <-h.Events():
				if ev.Kind != host.EventLookupResult || !ev.Target.Equal(target) {
					return fmt.Errorf("lookup: unexpected event while waiting for result")
				}
				if !ev.Found {
					fmt.Printf("%s: not found\n", target.ShortString())
					return nil
				}
				fmt.Printf("%s: %s\n", target.ShortString(), ev.Endpoint)
				return nil
			case <-time.After(timeout):
				return fmt.Errorf("lookup: timed out after %s", timeout)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&notify, "notify", false, "Ask the directory server to notify the target of this lookup")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for a result")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "search <keyword>",
		Short: "Search the directory server's profiles by keyword",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := bootstrapRegisteredHost(configPath, timeout)
			if err != nil {
				return err
			}
			defer h.Stop()

			if err := h.Search(args[0]); err != nil {
				return fmt.Errorf("search: %w", err)
			}

			deadline := time.After(timeout)
			for {
				select {
				case ev := <-h.Events():
					if ev.Kind != host.EventSearchResult {
						continue
					}
					for _, id := range ev.IDs {
						fmt.Println(id.String())
					}
					if ev.Complete {
						fmt.Printf("%d match(es)\n", len(ev.IDs))
						return nil
					}
				case <-deadline:
					return fmt.Errorf("search: timed out after %s waiting for results", timeout)
				}
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for results")
	return cmd
}

// bootstrapRegisteredHost starts a host from configPath and waits for its
// initial registration to complete, the prerequisite regclient.Client
// enforces before Lookup or Search will do anything.
func bootstrapRegisteredHost(configPath string, timeout time.Duration) (*host.Host, error) {
	cfg, err := loadOrDefaultConfig(configPath)
	if err != nil {
		return nil, err
	}
	if !cfg.Registration.Enabled {
		return nil, fmt.Errorf("registration.enabled must be true in %s", configPath)
	}

	h, err := host.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := h.Start(); err != nil {
		return nil, err
	}

	select {
	case ev := <-h.Events():
		switch ev.Kind {
		case host.EventRegistered:
			return h, nil
		case host.EventRegistrationError:
			h.Stop()
			return nil, fmt.Errorf("registration failed: %w", ev.Err)
		}
		h.Stop()
		return nil, fmt.Errorf("unexpected event before registration completed")
	case <-time.After(timeout):
		h.Stop()
		return nil, fmt.Errorf("timed out after %s waiting for registration", timeout)
	}
}

func loadOrDefaultConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

// writeConfig marshals cfg as YAML and writes it to path, creating its
// parent directory if needed.
func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# rendezvousd configuration\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
