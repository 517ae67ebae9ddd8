// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/remote"
)

const dumpSessions = "sessions"

func dumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "dump live|invalid|failed|sessions",
		Short:     "Query a running observer",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{remote.TableLive, remote.TableInvalid, remote.TableFailed, dumpSessions},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(cfg *Config) {
				overrideString(cmd, "addr", &cfg.Observer.ListenAddress)
			})
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			req := remote.DumpRequest{Table: args[0]}
			req.Session, _ = cmd.Flags().GetString("session")
			req.Key, _ = cmd.Flags().GetString("key")
			req.Value, _ = cmd.Flags().GetString("value")
			req.KeyLabel, _ = cmd.Flags().GetString("key-label")
			req.ValueLabel, _ = cmd.Flags().GetString("value-label")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runDump(ctx, cmd.OutOrStdout(), cfg.Observer.ListenAddress, req)
		},
	}
	cmd.Flags().String("addr", "", "observer address")
	cmd.Flags().String("session", "", "session id, may be omitted when the observer has one session")
	cmd.Flags().String("key", "", "group rows by site, address, size, align or kind")
	cmd.Flags().String("value", "", "row value, bytes or count")
	cmd.Flags().String("key-label", "", "key column header")
	cmd.Flags().String("value-label", "", "value column header")
	cmd.Flags().Duration("timeout", 10*time.Second, "timeout of the whole query")
	return cmd
}

func runDump(ctx context.Context, out io.Writer, addr string, req remote.DumpRequest) error {
	switch req.Table {
	case remote.TableLive, remote.TableInvalid, remote.TableFailed, dumpSessions:
	default:
		return moerr.NewInvalidArg(ctx, "table", req.Table)
	}

	c, err := remote.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if req.Table == dumpSessions {
		sessions, err := c.Sessions(ctx)
		if err != nil {
			return err
		}
		writeSessions(out, sessions)
		return nil
	}

	reply, err := c.Dump(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s\n", reply.Session)
	_, err = reply.Table.WriteTo(out)
	return err
}

func writeSessions(out io.Writer, sessions []remote.SessionInfo) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Session", "Active", "Started", "Events", "Live", "Live Bytes", "Invalid Frees", "Failed"})
	table.SetAutoFormatHeaders(false)
	for _, s := range sessions {
		table.Append([]string{
			s.ID,
			strconv.FormatBool(s.Active),
			s.Started.Format(time.RFC3339),
			strconv.FormatUint(s.Received, 10),
			strconv.Itoa(s.Stats.LiveObjects),
			strconv.FormatUint(s.Stats.LiveBytes, 10),
			strconv.Itoa(s.Stats.InvalidFrees),
			strconv.Itoa(s.Stats.FailedAllocations),
		})
	}
	table.Render()
}
