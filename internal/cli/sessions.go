// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// sessions.go - Saved chat transcripts.
//
// Command: sessions [subcommand]
//
// Subcommands:
//   list (default)          Transcripts, most recent first
//   show ID                 Print a transcript as markdown (--json for JSON)
//   delete ID --confirm     Delete one transcript
//   prune                   Delete transcripts older than session.retention_days
//   clear --confirm         Delete every transcript
//
// Flags:
//   --email EMAIL      Only this owner's transcripts (list)
//   --search QUERY     Only transcripts mentioning QUERY (list)
package cli

import (
	"fmt"
	"strings"

	"github.com/jeranaias/astrobro/internal/storage"
)

// HandleSessions runs the sessions command.
func HandleSessions(args Args) error {
	app, err := NewApp(args)
	if err != nil {
		return err
	}
	return app.Sessions(args)
}

// Sessions runs a sessions subcommand against the transcript store.
func (a *App) Sessions(args Args) error {
	store, err := a.OpenConversations()
	if err != nil {
		return err
	}
	defer store.Close()

	switch args.Subcommand {
	case "", "list", "ls":
		metas, err := store.Search(strings.ToLower(strings.TrimSpace(args.Email)), args.Query)
		if err != nil {
			return err
		}
		if args.JSON {
			if metas == nil {
				metas = []storage.ConversationMeta{}
			}
			return NewJSONResponse("sessions", metas).Write(a.Stdout)
		}
		fmt.Fprintln(a.Stdout, storage.FormatSessionList(metas))
		return nil

	case "show", "export":
		id, err := sessionID(args)
		if err != nil {
			return err
		}
		conv, err := store.Load(id)
		if err != nil {
			return err
		}
		if args.JSON {
			data, err := conv.ExportJSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.Stdout, string(data))
			return nil
		}
		md := conv.ExportMarkdown()
		if a.Markdown != nil {
			md = a.Markdown.Render(md)
		}
		fmt.Fprint(a.Stdout, md)
		return nil

	case "delete", "rm":
		id, err := sessionID(args)
		if err != nil {
			return err
		}
		if !args.Confirm {
			return usageErrorf("add --confirm", "refusing to delete session %s", id)
		}
		if err := store.Delete(id); err != nil {
			return err
		}
		if !args.Quiet {
			fmt.Fprintf(a.Stdout, "%s session %s\n", SuccessStyle.Render("Deleted"), id)
		}
		return nil

	case "prune":
		retention := a.Config.Retention()
		if retention <= 0 {
			return usageErrorf("astrobro config set session.retention_days N", "session.retention_days is 0, transcripts are kept forever")
		}
		n, err := store.Prune(retention)
		if err != nil {
			return err
		}
		if !args.Quiet {
			fmt.Fprintf(a.Stdout, "%s %d session(s) older than %d day(s)\n",
				SuccessStyle.Render("Pruned"), n, a.Config.Session.RetentionDays)
		}
		return nil

	case "clear":
		if !args.Confirm {
			return usageErrorf("add --confirm", "refusing to delete every session")
		}
		if err := store.Clear(); err != nil {
			return err
		}
		if !args.Quiet {
			fmt.Fprintln(a.Stdout, SuccessStyle.Render("Deleted all sessions"))
		}
		return nil

	default:
		return usageErrorf("list, show, delete, prune or clear", "unknown sessions subcommand %q", args.Subcommand)
	}
}

func sessionID(args Args) (string, error) {
	if len(args.Rest) == 0 {
		return "", usageErrorf("astrobro sessions "+args.Subcommand+" ID", "a session id is required")
	}
	return args.Rest[0], nil
}
