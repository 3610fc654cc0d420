package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/acpx-dev/acpx/internal/acpxerr"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage acpx's locally recorded agent sessions",
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List every recorded session",
	Args:  cobra.NoArgs,
	RunE:  runSessionLs,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <recordId>",
	Short: "Show one session's full record, including turn history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <recordId>",
	Short: "Delete a session's record and event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionRm,
}

func init() {
	sessionCmd.AddCommand(sessionLsCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionRmCmd)
}

func runSessionLs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.log.Sync()

	records, err := a.store.List()
	if err != nil {
		return acpxerr.Runtime("cli", "SESSION_LIST_FAILED", err)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].LastUsedAt.After(records[j].LastUsedAt)
	})

	if formatFlag == "json" {
		data, err := json.Marshal(records)
		if err != nil {
			return acpxerr.Runtime("cli", "SESSION_LIST_MARSHAL_FAILED", err)
		}
		fmt.Println(string(data))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 2, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD ID\tAGENT\tCWD\tNAME\tOWNER\tLAST USED")
	for _, rec := range records {
		owned := "no"
		if lse, _ := a.lease.Read(rec.RecordID); lse != nil {
			owned = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.RecordID, rec.AgentCommand, rec.CWD, rec.Name, owned, rec.LastUsedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.log.Sync()

	rec, err := a.store.Load(args[0])
	if err != nil {
		notFound := acpxerr.NoSession("cli", "SESSION_RECORD_NOT_FOUND", err)
		a.out.Error(notFound)
		return notFound
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return acpxerr.Runtime("cli", "SESSION_SHOW_MARSHAL_FAILED", err)
	}
	fmt.Println(string(data))
	return nil
}

func runSessionRm(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.log.Sync()

	recordID := args[0]
	if lse, _ := a.lease.Read(recordID); lse != nil {
		return acpxerr.Runtime("cli", "SESSION_HAS_OWNER", fmt.Errorf("a queue owner is running for %s; cancel it first", recordID))
	}

	if err := a.store.Delete(recordID); err != nil {
		return acpxerr.Runtime("cli", "SESSION_DELETE_FAILED", err)
	}
	removeEventLogFiles(a.store.Dir, recordID)
	return nil
}

// removeEventLogFiles best-effort deletes a deleted record's event-log
// segments; sessionstore.Store itself only owns the record file.
func removeEventLogFiles(dir, recordID string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	prefix := recordID + ".stream."
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
