package cli

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"TrailWatch/internal/store"
	"TrailWatch/pkg/alertapi"
)

func printControlTime(cmd *cobra.Command, ct *store.ControlTime) {
	if ct == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no such control time")
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\teta=%s\tgrace=%s",
		ct.ID, ct.State, ct.ETA().Format(time.RFC3339), ct.GracePeriod())
	if ct.AlertID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\talert=%s", ct.AlertID)
	}
	fmt.Fprintln(cmd.OutOrStdout())
}

// parseETA accepts an RFC 3339 instant or a duration from now ("2h30m").
func parseETA(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("eta %q is neither a duration nor an RFC 3339 time", s)
	}
	return t, nil
}

func ArmCmd(client func() *Client) *cobra.Command {
	var (
		id, route string
		grace     time.Duration
		contacts  []string
	)
	cmd := &cobra.Command{
		Use:   "arm <eta>",
		Short: "Arm a control time (eta as RFC 3339 or a duration from now)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eta, err := parseETA(args[0], time.Now())
			if err != nil {
				return err
			}
			body := map[string]interface{}{"id": id, "routeId": route, "eta": eta}
			if grace > 0 {
				body["gracePeriodMs"] = grace.Milliseconds()
			}
			var cs []alertapi.Contact
			for _, c := range contacts {
				cs = append(cs, parseContact(c))
			}
			body["contacts"] = cs

			var out struct {
				ControlTime  store.ControlTime `json:"controlTime"`
				GraceClamped bool              `json:"graceClamped"`
			}
			if _, err := client().Do(cmd.Context(), http.MethodPost, "/control-times", body, &out); err != nil {
				return err
			}
			printControlTime(cmd, &out.ControlTime)
			if out.GraceClamped {
				fmt.Fprintln(cmd.OutOrStdout(), "grace period adjusted to the allowed range")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "control time id (generated when empty)")
	cmd.Flags().StringVar(&route, "route", "", "route id")
	cmd.Flags().DurationVar(&grace, "grace", 0, "grace period (default from config)")
	cmd.Flags().StringSliceVar(&contacts, "contact", nil, "contact as name:phone or name:email, repeatable")
	return cmd
}

func parseContact(s string) alertapi.Contact {
	name, value, ok := strings.Cut(s, ":")
	if !ok {
		value, name = s, ""
	}
	c := alertapi.Contact{Name: name}
	if strings.Contains(value, "@") {
		c.Email = value
	} else {
		c.Phone = value
	}
	return c
}

func AckCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <id>",
		Short: "Check in for a control time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ct store.ControlTime
			if _, err := client().Do(cmd.Context(), http.MethodPost, "/control-times/"+args[0]+"/ack", nil, &ct); err != nil {
				return err
			}
			printControlTime(cmd, &ct)
			return nil
		},
	}
}

func SnoozeCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "snooze <id> <duration>",
		Short: "Push a control time back",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return err
			}
			var ct *store.ControlTime
			msg, err := client().Do(cmd.Context(), http.MethodPost, "/control-times/"+args[0]+"/snooze",
				map[string]float64{"minutes": d.Minutes()}, &ct)
			if err != nil {
				return err
			}
			if ct == nil {
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			}
			printControlTime(cmd, ct)
			return nil
		},
	}
}

func CancelCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Withdraw a control time without alerting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ct *store.ControlTime
			if _, err := client().Do(cmd.Context(), http.MethodDelete, "/control-times/"+args[0], nil, &ct); err != nil {
				return err
			}
			printControlTime(cmd, ct)
			return nil
		},
	}
}

func SOSCmd(client func() *Client) *cobra.Command {
	var (
		message  string
		lat, lng float64
	)
	cmd := &cobra.Command{
		Use:   "sos",
		Short: "Raise an SOS alert now",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"message": message}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
				body["location"] = alertapi.Location{Latitude: lat, Longitude: lng}
			}
			var out struct {
				AlertID string `json:"alertId"`
				Status  string `json:"status"`
			}
			if _, err := client().Do(cmd.Context(), http.MethodPost, "/sos", body, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", out.AlertID, out.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "free text for rescuers")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude (default: last known)")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude (default: last known)")
	return cmd
}

func StatusCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show open control times and the alert queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cts []store.ControlTime
			if _, err := client().Do(cmd.Context(), http.MethodGet, "/control-times", nil, &cts); err != nil {
				return err
			}
			for i := range cts {
				if !cts[i].Terminal() {
					printControlTime(cmd, &cts[i])
				}
			}
			var q struct {
				Online  bool                 `json:"online"`
				Pending []store.PendingAlert `json:"pending"`
				History []store.HistoryEntry `json:"history"`
			}
			if _, err := client().Do(cmd.Context(), http.MethodGet, "/queue?history=5", nil, &q); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "online=%t pending=%d\n", q.Online, len(q.Pending))
			for _, p := range q.Pending {
				fmt.Fprintf(cmd.OutOrStdout(), "  queued %s %s retries=%d\n", p.ID, p.Kind, p.RetryCount)
			}
			for _, h := range q.History {
				fmt.Fprintf(cmd.OutOrStdout(), "  sent   %s %s at %s\n", h.AlertID, h.Kind, h.SentAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func OnlineCmd(client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:       "online <true|false>",
		Short:     "Report connectivity to the daemon",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"true", "false"},
		RunE: func(cmd *cobra.Command, args []string) error {
			online := args[0] == "true" || args[0] == "1" || args[0] == "on"
			var out struct {
				Online bool `json:"online"`
			}
			if _, err := client().Do(cmd.Context(), http.MethodPost, "/connectivity", map[string]bool{"online": online}, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "online=%t\n", out.Online)
			return nil
		},
	}
}
