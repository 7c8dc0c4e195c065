package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/triage-ai/gatekeeper/internal/api"
	"github.com/triage-ai/gatekeeper/internal/store"
)

var (
	grantBy    int64
	grantNotes string
	revokeBy   int64
)

func init() {
	rootCmd.AddCommand(grantCmd, revokeCmd, listCmd)
	grantCmd.Flags().Int64Var(&grantBy, "by", 0, "Caller id of the administrator granting access")
	grantCmd.Flags().StringVar(&grantNotes, "notes", "", "Free-text note stored with the grant")
	revokeCmd.Flags().Int64Var(&revokeBy, "by", 0, "Caller id of the administrator revoking access")
}

var grantCmd = &cobra.Command{
	Use:   "grant <caller-id> <tool> [tool...]",
	Short: "Allow a caller to use one or more tools",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runGrant,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <caller-id> <tool>",
	Short: "Withdraw a caller's permission for a tool",
	Args:  cobra.ExactArgs(2),
	RunE:  runRevoke,
}

var listCmd = &cobra.Command{
	Use:   "list <caller-id>",
	Short: "Show a caller's tool allowlist",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

func runGrant(cmd *cobra.Command, args []string) error {
	callerID, err := parseCallerID(args[0])
	if err != nil {
		return err
	}
	client, err := newAdminClient(serverURL, adminToken)
	if err != nil {
		return err
	}
	tools := args[1:]

	if len(tools) == 1 {
		req := api.GrantReq{CallerID: callerID, ToolName: tools[0], GrantedBy: optionalID(grantBy)}
		if grantNotes != "" {
			req.Notes = &grantNotes
		}
		var p store.Permission
		if err := client.do(cmd.Context(), http.MethodPost, "/api/permissions/grant", req, &p); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), p)
	}

	var resp api.PermissionListResp
	req := api.BulkGrantReq{CallerID: callerID, ToolNames: tools, GrantedBy: optionalID(grantBy)}
	if err := client.do(cmd.Context(), http.MethodPost, "/api/permissions/bulk-grant", req, &resp); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp.Permissions)
}

func runRevoke(cmd *cobra.Command, args []string) error {
	callerID, err := parseCallerID(args[0])
	if err != nil {
		return err
	}
	client, err := newAdminClient(serverURL, adminToken)
	if err != nil {
		return err
	}

	var resp api.RevokeResp
	req := api.RevokeReq{CallerID: callerID, ToolName: args[1], RevokedBy: optionalID(revokeBy)}
	if err := client.do(cmd.Context(), http.MethodPost, "/api/permissions/revoke", req, &resp); err != nil {
		return err
	}
	if resp.Revoked {
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s for caller %d\n", args[1], callerID)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Caller %d had no active grant for %s\n", callerID, args[1])
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	callerID, err := parseCallerID(args[0])
	if err != nil {
		return err
	}
	client, err := newAdminClient(serverURL, adminToken)
	if err != nil {
		return err
	}

	var resp api.PermissionListResp
	if err := client.do(cmd.Context(), http.MethodGet, fmt.Sprintf("/api/permissions/%d", callerID), nil, &resp); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp.Permissions)
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
