package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/actingweb/actingweb-go/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile    string
	engineURL  string
	creator    string
	passphrase string
	token      string
	insecure   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "awctl",
	Short: "ActingWeb CLI",
	Long: `awctl is the command-line interface for ActingWeb engines.

It creates actors, reads and writes their properties, establishes trust
with peer actors and manages subscriptions. Credentials and the engine
URL can be stored in a config file (default ~/.awctl/config.yaml) so
they do not have to be repeated on every call.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.awctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if engineURL == "" {
			engineURL = viper.GetString("url")
		}
		if engineURL == "" {
			engineURL = "http://localhost:8080"
		}
		if creator == "" {
			creator = viper.GetString("creator")
		}
		if passphrase == "" {
			passphrase = viper.GetString("passphrase")
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.awctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&engineURL, "url", "", "engine base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&creator, "creator", "", "creator name for basic auth")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "owner passphrase for basic auth")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "OAuth2 bearer token (overrides basic auth)")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(propsCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(subCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds an SDK client from the global flags and config.
func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	switch {
	case token != "":
		opts = append(opts, client.WithBearerToken(token))
	case creator != "":
		opts = append(opts, client.WithBasicAuth(creator, passphrase))
	}
	return client.New(engineURL, opts...)
}

// ── create ───────────────────────────────────────────────────────────────────

var (
	createPassphrase string
	createSave       bool
)

var createCmd = &cobra.Command{
	Use:   "create <creator>",
	Short: "Create a new actor on the engine",
	Long: `create instantiates a new actor through the engine's factory.

The creator is typically an email address. When no passphrase is given
the engine generates one; either way the passphrase is the owner
credential for everything that follows, so keep it.

  awctl create alice@example.com --save`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		a, err := c.CreateActor(context.Background(), args[0], createPassphrase)
		if err != nil {
			return fmt.Errorf("create actor: %w", err)
		}

		fmt.Printf("✓ Actor created\n\n")
		fmt.Printf("  ID:         %s\n", a.ID)
		fmt.Printf("  URL:        %s\n", a.URL)
		fmt.Printf("  Creator:    %s\n", a.Creator)
		fmt.Printf("  Passphrase: %s\n\n", a.Passphrase)

		if createSave {
			path, err := saveConfig(a)
			if err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Credentials written to %s\n", path)
			return nil
		}
		fmt.Println("Save the passphrase; it cannot be recovered. Use --save to store it in ~/.awctl/config.yaml.")
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createPassphrase, "passphrase", "", "Owner passphrase (generated when empty)")
	createCmd.Flags().BoolVar(&createSave, "save", false, "Write URL and credentials to the config file")
}

// saveConfig writes the engine URL and owner credentials to the default
// config file so later calls need no flags.
func saveConfig(a *client.Actor) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".awctl")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("url: %s\ncreator: %s\npassphrase: %s\n", engineURL, a.Creator, a.Passphrase)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

// ── get ──────────────────────────────────────────────────────────────────────

var getFormat string

var getCmd = &cobra.Command{
	Use:   "get <actor-id>",
	Short: "Show an actor's root document and public metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		a, err := c.GetActor(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get actor: %w", err)
		}
		m, err := c.GetMeta(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get metadata: %w", err)
		}

		if getFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"actor": a, "meta": m})
		}

		fmt.Printf("ID:        %s\n", a.ID)
		fmt.Printf("Creator:   %s\n", a.Creator)
		fmt.Printf("URL:       %s\n", a.URL)
		fmt.Printf("Type:      %s\n", m.Type)
		fmt.Printf("Version:   %s\n", m.Version)
		fmt.Printf("Supported: %s\n", m.Supported)
		return nil
	},
}

func init() {
	getCmd.Flags().StringVar(&getFormat, "format", "text", "Output format: text or json")
}

// ── delete ───────────────────────────────────────────────────────────────────

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete <actor-id>",
	Short: "Delete an actor and everything it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actorID := args[0]

		if !deleteForce {
			fmt.Printf("Delete actor %s with all properties, trusts and subscriptions? [y/N]: ", actorID)
			answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteActor(context.Background(), actorID); err != nil {
			return fmt.Errorf("delete actor: %w", err)
		}
		fmt.Printf("✓ Actor %s deleted\n", actorID)
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "Skip the confirmation prompt")
}

// ── props ────────────────────────────────────────────────────────────────────

var propsCmd = &cobra.Command{
	Use:   "props",
	Short: "Read and write actor properties",
	Long: `props works with the actor's property store.

Property paths are slash-separated and navigate into nested JSON:

  awctl props set actor1 settings/display/theme '"dark"'
  awctl props get actor1 settings

Values are parsed as JSON when possible; anything else is stored as a
JSON string.`,
}

var propsListCmd = &cobra.Command{
	Use:   "list <actor-id>",
	Short: "List all top-level properties",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		props, err := c.Properties(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("list properties: %w", err)
		}
		if len(props) == 0 {
			fmt.Println("No properties.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVALUE")
		for name, value := range props {
			fmt.Fprintf(w, "%s\t%s\n", name, compactValue(value))
		}
		return w.Flush()
	},
}

var propsGetCmd = &cobra.Command{
	Use:   "get <actor-id> <path>",
	Short: "Print the JSON value at a property path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		value, err := c.GetProperty(context.Background(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("get property: %w", err)
		}

		var pretty any
		if err := json.Unmarshal(value, &pretty); err != nil {
			fmt.Println(string(value))
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	},
}

var propsSetCmd = &cobra.Command{
	Use:   "set <actor-id> <path> <value>",
	Short: "Set the value at a property path",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if err := c.SetProperty(context.Background(), args[0], args[1], parseValue(args[2])); err != nil {
			return fmt.Errorf("set property: %w", err)
		}
		fmt.Printf("✓ %s set\n", args[1])
		return nil
	},
}

var propsDeleteCmd = &cobra.Command{
	Use:   "delete <actor-id> <path>",
	Short: "Delete the value at a property path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if err := c.DeleteProperty(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("delete property: %w", err)
		}
		fmt.Printf("✓ %s deleted\n", args[1])
		return nil
	},
}

func init() {
	propsCmd.AddCommand(propsListCmd)
	propsCmd.AddCommand(propsGetCmd)
	propsCmd.AddCommand(propsSetCmd)
	propsCmd.AddCommand(propsDeleteCmd)
}

// parseValue treats well-formed JSON as-is and quotes everything else
// as a JSON string.
func parseValue(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	quoted, _ := json.Marshal(arg)
	return quoted
}

// compactValue renders a JSON value on one line, truncated for table
// output.
func compactValue(value json.RawMessage) string {
	s := string(value)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

// ── trust ────────────────────────────────────────────────────────────────────

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage trust relationships with peer actors",
}

var (
	trustCreateType string
	trustCreateDesc string
)

var trustCreateCmd = &cobra.Command{
	Use:   "create <actor-id> <peer-url>",
	Short: "Initiate a trust relationship with a peer actor",
	Long: `create starts the reciprocal trust handshake toward the actor at
peer-url. The relationship becomes active once both owners have
approved it:

  awctl trust create actor1 https://other.example.com/actor99 --type friend`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		t, err := c.InitiateTrust(context.Background(), args[0], args[1], trustCreateType, trustCreateDesc)
		if err != nil {
			return fmt.Errorf("initiate trust: %w", err)
		}

		fmt.Printf("✓ Trust initiated\n\n")
		fmt.Printf("  Peer:         %s\n", t.PeerID)
		fmt.Printf("  Relationship: %s\n", t.Relationship)
		fmt.Printf("  Verified:     %t\n", t.Verified)
		fmt.Printf("  Active:       %t\n\n", t.Active())
		if !t.PeerApproved {
			fmt.Println("Waiting for the peer owner to approve the relationship.")
		}
		return nil
	},
}

var trustListCmd = &cobra.Command{
	Use:   "list <actor-id>",
	Short: "List the actor's trust relationships",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		trusts, err := c.ListTrusts(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("list trusts: %w", err)
		}
		if len(trusts) == 0 {
			fmt.Println("No trust relationships.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PEER\tRELATIONSHIP\tAPPROVED\tPEER-APPROVED\tVERIFIED\tACTIVE")
		for _, t := range trusts {
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%t\t%t\n",
				t.PeerID, t.Relationship, t.Approved, t.PeerApproved, t.Verified, t.Active())
		}
		return w.Flush()
	},
}

var trustApproveCmd = &cobra.Command{
	Use:   "approve <actor-id> <relationship> <peer-id>",
	Short: "Approve a pending trust relationship",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if err := c.ApproveTrust(context.Background(), args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("approve trust: %w", err)
		}
		fmt.Printf("✓ Relationship with %s approved\n", args[2])
		return nil
	},
}

var trustDeleteCmd = &cobra.Command{
	Use:   "delete <actor-id> <relationship> <peer-id>",
	Short: "Delete a trust relationship and notify the peer",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if err := c.DeleteTrust(context.Background(), args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("delete trust: %w", err)
		}
		fmt.Printf("✓ Relationship with %s deleted\n", args[2])
		return nil
	},
}

func init() {
	trustCreateCmd.Flags().StringVar(&trustCreateType, "type", "", "Trust type (engine default when empty)")
	trustCreateCmd.Flags().StringVar(&trustCreateDesc, "desc", "", "Description of the relationship")

	trustCmd.AddCommand(trustCreateCmd)
	trustCmd.AddCommand(trustListCmd)
	trustCmd.AddCommand(trustApproveCmd)
	trustCmd.AddCommand(trustDeleteCmd)
}

// ── sub ──────────────────────────────────────────────────────────────────────

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Manage subscriptions to peer actors",
}

var (
	subTarget      string
	subSubtarget   string
	subResource    string
	subGranularity string
)

var subCreateCmd = &cobra.Command{
	Use:   "create <actor-id> <peer-id>",
	Short: "Subscribe to changes on a trusted peer",
	Long: `create establishes a watch on a peer the actor already trusts:

  awctl sub create actor1 peer99 --target properties --subtarget settings

Changes on the peer arrive as sequence-numbered diffs; read them with
'awctl sub diffs'.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		sub, err := c.SubscribeToPeer(context.Background(), args[0], args[1], client.SubscriptionRequest{
			Target:      subTarget,
			Subtarget:   subSubtarget,
			Resource:    subResource,
			Granularity: subGranularity,
		})
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		fmt.Printf("✓ Subscribed\n\n")
		fmt.Printf("  Subscription: %s\n", sub.ID)
		fmt.Printf("  Peer:         %s\n", sub.PeerID)
		fmt.Printf("  Target:       %s\n", subscriptionPath(sub))
		fmt.Printf("  Granularity:  %s\n", sub.Granularity)
		return nil
	},
}

var subListCmd = &cobra.Command{
	Use:   "list <actor-id>",
	Short: "List the actor's subscriptions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		subs, err := c.ListSubscriptions(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		if len(subs) == 0 {
			fmt.Println("No subscriptions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPEER\tTARGET\tGRANULARITY\tSEQ\tMODE")
		for _, s := range subs {
			mode := "pull"
			if s.Callback {
				mode = "callback"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				s.ID, s.PeerID, subscriptionPath(&s), s.Granularity, s.Sequence, mode)
		}
		return w.Flush()
	},
}

var subDiffsConfirm bool

var subDiffsCmd = &cobra.Command{
	Use:   "diffs <actor-id> <peer-id> <sub-id>",
	Short: "Fetch queued diffs for a subscription",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		_, diffs, err := c.GetDiffs(ctx, args[0], args[1], args[2])
		if err != nil {
			return fmt.Errorf("get diffs: %w", err)
		}
		if len(diffs) == 0 {
			fmt.Println("No pending diffs.")
			return nil
		}

		for _, d := range diffs {
			fmt.Printf("#%d %s", d.Sequence, d.Target)
			if d.Subtarget != "" {
				fmt.Printf("/%s", d.Subtarget)
			}
			fmt.Printf(" @ %s\n", d.Timestamp.Format("2006-01-02 15:04:05"))
			if len(d.Data) > 0 {
				fmt.Printf("  %s\n", compactValue(d.Data))
			}
		}

		if subDiffsConfirm {
			last := diffs[len(diffs)-1].Sequence
			if err := c.ConfirmDiffs(ctx, args[0], args[1], args[2], last); err != nil {
				return fmt.Errorf("confirm diffs: %w", err)
			}
			fmt.Printf("\n✓ Confirmed through sequence %d\n", last)
		}
		return nil
	},
}

var subDeleteCmd = &cobra.Command{
	Use:   "delete <actor-id> <peer-id> <sub-id>",
	Short: "Delete a subscription (unsubscribes on the peer too)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if err := c.DeleteSubscription(context.Background(), args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		fmt.Printf("✓ Subscription %s deleted\n", args[2])
		return nil
	},
}

func init() {
	subCreateCmd.Flags().StringVar(&subTarget, "target", "", "What to watch: properties, meta, ...")
	subCreateCmd.Flags().StringVar(&subSubtarget, "subtarget", "", "Narrow the watch to one property")
	subCreateCmd.Flags().StringVar(&subResource, "resource", "", "Narrow further to a nested resource")
	subCreateCmd.Flags().StringVar(&subGranularity, "granularity", "", "Diff payload detail: high, low or none")
	_ = subCreateCmd.MarkFlagRequired("target")

	subDiffsCmd.Flags().BoolVar(&subDiffsConfirm, "confirm", false, "Acknowledge the fetched diffs so the peer can prune them")

	subCmd.AddCommand(subCreateCmd)
	subCmd.AddCommand(subListCmd)
	subCmd.AddCommand(subDiffsCmd)
	subCmd.AddCommand(subDeleteCmd)
}

func subscriptionPath(s *client.Subscription) string {
	path := s.Target
	if s.Subtarget != "" {
		path += "/" + s.Subtarget
	}
	if s.Resource != "" {
		path += "/" + s.Resource
	}
	return path
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the awctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("awctl %s (ActingWeb)\n", version)
	},
}
