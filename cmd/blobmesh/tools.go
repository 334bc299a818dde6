package main

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunnelmesh/blobmesh/internal/auth"
	"github.com/tunnelmesh/blobmesh/internal/config"
	"github.com/tunnelmesh/blobmesh/internal/placement"
)

func newPlaceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "place <blob>",
		Short: "Show which data account a new blob would be placed on",
		Long: `Show which data account a new blob would be placed on. Placement depends only
on the blob name and the ordered data account list, so reordering accounts in
the config moves where new blobs land.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			account, idx, err := placeBlob(cfg.DataAccountNames(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (bucket %d of %d)\n", account, idx, len(cfg.Accounts))
			return nil
		},
	}
}

func placeBlob(accounts []string, blob string) (string, int, error) {
	idx, err := placement.Select(blob, len(accounts))
	if err != nil {
		return "", 0, err
	}
	return accounts[idx], idx, nil
}

type signURLOptions struct {
	container   string
	blob        string
	permissions string
	expiry      time.Duration
	endpoint    string
	protocol    string
	policyID    string
}

func newSignURLCmd() *cobra.Command {
	var opts signURLOptions
	cmd := &cobra.Command{
		Use:   "sign-url",
		Short: "Mint a SAS URL for the gateway account",
		Long: `Mint a service SAS URL signed with the gateway account key, for testing
clients against a running gateway.

Examples:
  # Read access to one blob for an hour
  blobmesh sign-url --container photos --blob cat.jpg

  # List and write access to a container through a stored access policy
  blobmesh sign-url --container photos --policy uploaders`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			key, _, err := cfg.Account.Keys()
			if err != nil {
				return err
			}
			endpoint := opts.endpoint
			if endpoint == "" {
				endpoint = cfg.Account.BlobEndpoint
			}
			signed, err := signURL(cfg.Account.Name, key, endpoint, opts, time.Now())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.container, "container", "", "container name (required)")
	cmd.Flags().StringVar(&opts.blob, "blob", "", "blob name; omit for a container SAS")
	cmd.Flags().StringVar(&opts.permissions, "permissions", "r", "permissions, e.g. rwdl")
	cmd.Flags().DurationVar(&opts.expiry, "expiry", time.Hour, "validity from now")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "gateway URL (default: the account's blob_endpoint)")
	cmd.Flags().StringVar(&opts.protocol, "protocol", "", "allowed protocols: https or https,http")
	cmd.Flags().StringVar(&opts.policyID, "policy", "", "stored access policy identifier")
	_ = cmd.MarkFlagRequired("container")
	return cmd
}

// signURL returns endpoint/container[/blob]?<sas>. With a stored policy the
// permissions and expiry come from the policy.
func signURL(account string, key []byte, endpoint string, opts signURLOptions, now time.Time) (string, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("endpoint %q must be an absolute URL", endpoint)
	}

	values := auth.SASValues{
		Resource:   "c",
		Protocol:   opts.protocol,
		Identifier: opts.policyID,
	}
	if opts.policyID == "" {
		values.Permissions = opts.permissions
		values.Expiry = now.Add(opts.expiry)
	}
	path := strings.TrimSuffix(base.Path, "/") + "/" + opts.container
	if opts.blob != "" {
		values.Resource = "b"
		path += "/" + opts.blob
	}

	u := url.URL{
		Scheme:   base.Scheme,
		Host:     base.Host,
		Path:     path,
		RawQuery: values.Sign(account, key, opts.container, opts.blob).Encode(),
	}
	return u.String(), nil
}
