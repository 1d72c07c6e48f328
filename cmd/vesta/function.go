package main

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// FunctionSpec is the YAML manifest accepted by `vesta function create -f`.
type FunctionSpec struct {
	APIVersion string `yaml:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty"`

	Name    string `yaml:"name"`
	Runtime string `yaml:"runtime"`
	Handler string `yaml:"handler,omitempty"`
	Code    string `yaml:"code"` // path to a code file or directory

	Memory  int   `yaml:"memory,omitempty"`  // MB
	Timeout int64 `yaml:"timeout,omitempty"` // ms

	MinWarm     int `yaml:"minWarm,omitempty"`
	Reservation int `yaml:"reservation,omitempty"`

	Env map[string]string `yaml:"env,omitempty"`
}

func functionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "function",
		Aliases: []string{"fn"},
		Short:   "Manage functions",
	}
	cmd.AddCommand(
		functionCreateCmd(),
		functionListCmd(),
		functionGetCmd(),
		functionDeleteCmd(),
		functionUpdateCodeCmd(),
	)
	return cmd
}

func functionCreateCmd() *cobra.Command {
	var specFile string

	cmd := &cobra.Command{
		Use:   "create -f spec.yaml",
		Short: "Create a function from a YAML manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(specFile)
			if err != nil {
				return err
			}
			var spec FunctionSpec
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			if spec.Name == "" || spec.Runtime == "" || spec.Code == "" {
				return fmt.Errorf("manifest needs name, runtime, and code")
			}
			if spec.Handler == "" {
				spec.Handler = "index.handler"
			}

			codePath := spec.Code
			if !filepath.IsAbs(codePath) {
				codePath = filepath.Join(filepath.Dir(specFile), codePath)
			}
			archive, err := zipPath(codePath)
			if err != nil {
				return fmt.Errorf("package code: %w", err)
			}

			body := map[string]any{
				"function_name": spec.Name,
				"runtime":       spec.Runtime,
				"handler":       spec.Handler,
				"code":          map[string]string{"zip_file": base64.StdEncoding.EncodeToString(archive)},
				"memory_size":   spec.Memory,
				"timeout":       spec.Timeout,
				"environment":   spec.Env,
				"reservation":   spec.Reservation,
				"min_warm":      spec.MinWarm,
			}

			var out map[string]any
			if err := apiCall("POST", "/2015-03-31/functions", body, &out); err != nil {
				return err
			}
			fmt.Printf("Function %s created (runtime %s, version %v)\n",
				out["function_name"], out["runtime"], out["version"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "", "Function manifest (YAML)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func functionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Functions []struct {
					FunctionName string    `json:"function_name"`
					State        string    `json:"state"`
					Runtime      string    `json:"runtime"`
					Version      int       `json:"version"`
					LastModified time.Time `json:"last_modified"`
				} `json:"functions"`
			}
			if err := apiCall("GET", "/2015-03-31/functions", nil, &out); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATE\tRUNTIME\tVERSION\tMODIFIED")
			for _, fn := range out.Functions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					fn.FunctionName, fn.State, fn.Runtime, fn.Version,
					fn.LastModified.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func functionGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show one function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := apiCall("GET", "/2015-03-31/functions/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func functionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a function (waits for in-flight invocations)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiCall("DELETE", "/2015-03-31/functions/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Function %s deleted\n", args[0])
			return nil
		},
	}
}

func functionUpdateCodeCmd() *cobra.Command {
	var codePath string

	cmd := &cobra.Command{
		Use:   "update-code <name>",
		Short: "Publish a new version with updated code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := zipPath(codePath)
			if err != nil {
				return fmt.Errorf("package code: %w", err)
			}
			body := map[string]string{"zip_file": base64.StdEncoding.EncodeToString(archive)}
			var out map[string]any
			if err := apiCall("PUT", "/2015-03-31/functions/"+args[0]+"/code", body, &out); err != nil {
				return err
			}
			fmt.Printf("Function %s now at version %v\n", args[0], out["version"])
			return nil
		},
	}

	cmd.Flags().StringVar(&codePath, "code", "", "Path to a code file or directory")
	cmd.MarkFlagRequired("code")
	return cmd
}

// zipPath packages a file or directory into an in-memory zip archive.
func zipPath(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	addFile := func(name, src string) error {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		return err
	}

	if info.IsDir() {
		err = filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return err
			}
			rel, err := filepath.Rel(path, p)
			if err != nil {
				return err
			}
			return addFile(filepath.ToSlash(rel), p)
		})
	} else {
		err = addFile(filepath.Base(path), path)
	}
	if err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
