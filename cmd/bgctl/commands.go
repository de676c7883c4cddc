package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/bluegreen/pkg/api/client"
)

func newConnectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Register GitHub and AWS connections",
	}
	cmd.AddCommand(newConnectGitHubCmd(a), newConnectAWSCmd(a))
	return cmd
}

func newConnectGitHubCmd(a *app) *cobra.Command {
	var req apiclient.GitHubConnectRequest
	cmd := &cobra.Command{
		Use:   "github",
		Short: "Verify repository access and store the connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(req.Owner) == "" || strings.TrimSpace(req.Repo) == "" {
				return errors.New("--owner and --repo are required")
			}
			if strings.TrimSpace(req.Token) == "" {
				token, err := a.readSecret("GitHub token: ")
				if err != nil {
					return err
				}
				req.Token = token
			}
			client, err := a.api()
			if err != nil {
				return err
			}
			id, err := client.ConnectGitHub(cmd.Context(), req)
			if err != nil {
				return err
			}
			a.file.GitHubConnectionID = id
			a.file.Owner, a.file.Repo, a.file.Branch = req.Owner, req.Repo, req.Branch
			if err := a.save(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, successMsg("github connection %s", boldStyle.Render(id)))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Owner, "owner", "", "Repository owner")
	cmd.Flags().StringVar(&req.Repo, "repo", "", "Repository name")
	cmd.Flags().StringVar(&req.Branch, "branch", "main", "Branch to deploy")
	cmd.Flags().StringVar(&req.Token, "token", "", "GitHub token (supply to avoid prompt)")
	return cmd
}

func newConnectAWSCmd(a *app) *cobra.Command {
	var req apiclient.AWSConnectRequest
	cmd := &cobra.Command{
		Use:   "aws",
		Short: "Verify AWS credentials and store the connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(req.Region) == "" || strings.TrimSpace(req.AccessKeyID) == "" {
				return errors.New("--region and --access-key-id are required")
			}
			if strings.TrimSpace(req.SecretAccessKey) == "" {
				secret, err := a.readSecret("AWS secret access key: ")
				if err != nil {
					return err
				}
				req.SecretAccessKey = secret
			}
			client, err := a.api()
			if err != nil {
				return err
			}
			id, err := client.ConnectAWS(cmd.Context(), req)
			if err != nil {
				return err
			}
			a.file.AWSConnectionID = id
			if err := a.save(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, successMsg("aws connection %s", boldStyle.Render(id)))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Region, "region", "", "AWS region")
	cmd.Flags().StringVar(&req.AccessKeyID, "access-key-id", "", "AWS access key id")
	cmd.Flags().StringVar(&req.SecretAccessKey, "secret-access-key", "", "AWS secret access key (supply to avoid prompt)")
	cmd.Flags().StringVar(&req.SessionToken, "session-token", "", "AWS session token")
	return cmd
}

func newConnectionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List stored GitHub and AWS connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.api()
			if err != nil {
				return err
			}
			conns, err := client.Connections(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(conns.GitHub)+len(conns.AWS))
			for _, gh := range conns.GitHub {
				rows = append(rows, []string{"github", gh.ConnectionID, gh.Owner + "/" + gh.Repo + "@" + gh.Branch})
			}
			for _, aws := range conns.AWS {
				rows = append(rows, []string{"aws", aws.ConnectionID, aws.Region})
			}
			if len(rows) == 0 {
				fmt.Fprintln(a.out, mutedStyle.Render("no connections"))
				return nil
			}
			fmt.Fprintln(a.out, renderTable([]string{"KIND", "ID", "TARGET"}, rows))
			return nil
		},
	}
}

func newDeployCmd(a *app) *cobra.Command {
	var (
		req    apiclient.DeployRequest
		detach bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Start a deployment and follow its progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.GitHubConnectionID = firstNonBlank(req.GitHubConnectionID, a.file.GitHubConnectionID)
			req.AWSConnectionID = firstNonBlank(req.AWSConnectionID, a.file.AWSConnectionID)
			req.Owner = firstNonBlank(req.Owner, a.file.Owner)
			req.Repo = firstNonBlank(req.Repo, a.file.Repo)
			req.Branch = firstNonBlank(req.Branch, a.file.Branch, "main")
			if req.GitHubConnectionID == "" || req.AWSConnectionID == "" {
				return errors.New("github and aws connections are required; run bgctl connect first")
			}
			if req.Owner == "" || req.Repo == "" {
				return errors.New("--owner and --repo are required")
			}
			client, err := a.api()
			if err != nil {
				return err
			}
			started, err := client.StartDeployment(cmd.Context(), req)
			if err != nil {
				return err
			}
			a.file.LastDeploymentID = started.DeploymentID
			if err := a.save(); err != nil {
				a.logger.Warn("remember deployment failed", "error", err)
			}
			fmt.Fprintln(a.out, infoMsg("deployment %s started %s", boldStyle.Render(started.DeploymentID), mutedStyle.Render(started.Message)))
			if detach {
				return nil
			}
			_, err = a.watch(cmd.Context(), started.DeploymentID)
			return err
		},
	}
	cmd.Flags().StringVar(&req.GitHubConnectionID, "github-connection", "", "GitHub connection id (default: last connected)")
	cmd.Flags().StringVar(&req.AWSConnectionID, "aws-connection", "", "AWS connection id (default: last connected)")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "Repository owner")
	cmd.Flags().StringVar(&req.Repo, "repo", "", "Repository name")
	cmd.Flags().StringVar(&req.Branch, "branch", "", "Branch to deploy")
	cmd.Flags().BoolVar(&detach, "detach", false, "Start without following progress")
	addRelayFlag(cmd, a)
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [deployment-id]",
		Short: "Follow the progress of a deployment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := a.file.LastDeploymentID
			if len(args) == 1 {
				id = args[0]
			}
			if id == "" {
				return errors.New("deployment id required")
			}
			_, err := a.watch(cmd.Context(), id)
			return err
		},
	}
	addRelayFlag(cmd, a)
	return cmd
}

func newCurrentCmd(a *app) *cobra.Command {
	var attach bool
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the active deployment, optionally following it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.api()
			if err != nil {
				return err
			}
			current, err := client.CurrentDeployment(cmd.Context())
			if err != nil {
				return err
			}
			if current == nil || !current.IsActive {
				fmt.Fprintln(a.out, mutedStyle.Render("no active deployment"))
				return nil
			}
			fmt.Fprintln(a.out, infoMsg("active deployment %s", boldStyle.Render(current.DeploymentID)))
			if !attach {
				return nil
			}
			_, err = a.watch(cmd.Context(), current.DeploymentID)
			return err
		},
	}
	cmd.Flags().BoolVar(&attach, "attach", true, "Follow the active deployment")
	addRelayFlag(cmd, a)
	return cmd
}

func newResultCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "result <deployment-id>",
		Short: "Show the final result of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.api()
			if err != nil {
				return err
			}
			r, err := client.DeploymentResult(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(a.out, keyValues("",
				kv("deployment", r.DeploymentID),
				kv("status", r.Status),
				kv("repository", r.Owner+"/"+r.Repo+"@"+r.Branch),
				kv("started", r.StartedAt),
				kv("completed", orDash(r.CompletedAt)),
				kv("duration", firstNonBlank(r.FormattedDuration, fmt.Sprintf("%.0fs", r.DurationSeconds))),
				kv("final service", orDash(r.FinalService)),
				kv("blue url", orDash(r.BlueURL)),
				kv("green url", orDash(r.GreenURL)),
				kv("blue latency", floatOrDash(r.BlueLatencyMs, "%.1f ms")),
				kv("green latency", floatOrDash(r.GreenLatencyMs, "%.1f ms")),
				kv("blue error rate", floatOrDash(r.BlueErrorRate, "%.2f%%")),
				kv("green error rate", floatOrDash(r.GreenErrorRate, "%.2f%%")),
				kv("faster service", orDash(r.FasterService)),
				kv("latency gain", floatOrDash(r.LatencyImprovement, "%.1f%%")),
				kv("events", fmt.Sprint(r.EventCount)),
				kv("error", orDash(r.ErrorMessage)),
			))
			return nil
		},
	}
}

func newSwitchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <deployment-id>",
		Short: "Switch production traffic to the other service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.api()
			if err != nil {
				return err
			}
			r, err := client.SwitchTraffic(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, successMsg("traffic on %s %s", boldStyle.Render(firstNonBlank(r.ActiveService, "-")), mutedStyle.Render(r.Message)))
			return nil
		},
	}
}

func newTimelineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <deployment-id>",
		Short: "Print the saved timeline of a watched deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.timelines()
			defer store.Close()
			p, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, ev := range p.Events {
				fmt.Fprintln(a.out, eventLine(ev))
			}
			fmt.Fprintln(a.out, summary(p))
			return nil
		},
	}
}

func addRelayFlag(cmd *cobra.Command, a *app) {
	cmd.Flags().StringVar(&a.relayAddr, "relay", "", "Serve progress to dashboards on this address (default RELAY_ADDR)")
}

// readSecret prompts without echo on a terminal and reads a line otherwise.
func (a *app) readSecret(prompt string) (string, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(a.out, prompt)
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprint(a.out, "\n")
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", errors.New("secret required")
	}
	return secret, nil
}
