package main

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Thin HTTP client commands for poking a running daemon.

func submitCmd() *cobra.Command {
	var addr string
	c := &cobra.Command{
		Use:   "submit <file>",
		Short: "Upload a file for extraction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			var body bytes.Buffer
			mw := multipart.NewWriter(&body)
			fw, err := mw.CreateFormFile("file", filepath.Base(args[0]))
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, f); err != nil {
				return err
			}
			if err := mw.Close(); err != nil {
				return err
			}

			resp, err := http.Post(addr+"/jobs", mw.FormDataContentType(), &body)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printResponse(resp)
		},
	}
	c.Flags().StringVar(&addr, "addr", "http://localhost:8080", "daemon address")
	return c
}

func statusCmd() *cobra.Command {
	var addr string
	c := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(addr + "/jobs/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return printResponse(resp)
		},
	}
	c.Flags().StringVar(&addr, "addr", "http://localhost:8080", "daemon address")
	return c
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
