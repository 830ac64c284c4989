package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingdesk/internal/api"
	"github.com/ehrlich-b/wingdesk/internal/session"
)

func filesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Browse and edit files on the server",
	}
	cmd.AddCommand(
		filesLsCmd(g),
		filesCatCmd(g),
		filesPutCmd(g),
		filesRmCmd(g),
		filesMvCmd(g),
		filesUploadCmd(g),
		filesDownloadCmd(g),
	)
	return cmd
}

func filesLsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [dir]",
		Short: "List a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, client, err := apiApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			items, err := client.ListFiles(cmd.Context(), dir)
			if err != nil {
				return err
			}
			for _, it := range items {
				size := humanize.Bytes(uint64(max(it.Size, 0)))
				name := it.Name
				if it.IsDirectory {
					size = "-"
					name += "/"
				}
				fmt.Printf("%8s  %-12s  %s\n", size, modified(it.ModTime), name)
			}
			return nil
		},
	}
}

func modified(v string) string {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return ""
	}
	return humanize.Time(t)
}

func filesCatCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			s, _, err := a.session(session.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			buf, err := s.OpenFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(buf.Content)
			if !strings.HasSuffix(buf.Content, "\n") {
				fmt.Println()
			}
			return nil
		},
	}
}

func filesPutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put <path> [local|-]",
		Short: "Replace a file's content from a local file or stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			s, _, err := a.session(session.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			content, err := readLocal(args[1:])
			if err != nil {
				return err
			}
			remote := args[0]
			if _, err := s.OpenFile(cmd.Context(), remote); err != nil {
				if !api.IsStatus(err, http.StatusNotFound) {
					return err
				}
				if err := s.Artifacts().Open(remote, ""); err != nil {
					return err
				}
			}
			if err := s.Artifacts().Edit(content); err != nil {
				return err
			}
			buf, err := s.SaveFile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("saved %s (%s)\n", buf.Path, humanize.Bytes(uint64(len(buf.Content))))
			return nil
		},
	}
}

func readLocal(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(args[0])
	return string(b), err
}

func filesRmCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, client, err := apiApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			return client.DeleteFile(cmd.Context(), args[0])
		},
	}
}

func filesMvCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mv <old> <new>",
		Short: "Rename a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, client, err := apiApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			return client.RenameFile(cmd.Context(), args[0], args[1])
		},
	}
}

func filesUploadCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <local> [dir]",
		Short: "Upload a local file into a server directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, client, err := apiApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			name := filepath.Base(args[0])
			if err := client.UploadFile(cmd.Context(), dir, name, f); err != nil {
				return err
			}
			fmt.Printf("uploaded %s\n", path.Join(dir, name))
			return nil
		},
	}
}

func filesDownloadCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "download <path> [local]",
		Short: "Download a server file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, client, err := apiApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			local := path.Base(args[0])
			if len(args) == 2 {
				local = args[1]
			}
			f, err := os.Create(local)
			if err != nil {
				return err
			}
			n, err := client.DownloadFile(cmd.Context(), args[0], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(local)
				return err
			}
			fmt.Printf("wrote %s (%s)\n", local, humanize.Bytes(uint64(n)))
			return nil
		},
	}
}

// apiApp loads the app and an authenticated client.
func apiApp(g *globalFlags) (*app, *api.Client, error) {
	a, err := loadApp(g)
	if err != nil {
		return nil, nil, err
	}
	client, err := a.client()
	if err != nil {
		a.close()
		return nil, nil, err
	}
	return a, client, nil
}
