package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/elpendex123/ec2-creator-local/internal/lifecycle"
	"github.com/elpendex123/ec2-creator-local/internal/models"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printInstances(w io.Writer, format string, list []*models.Instance) error {
	if format == "json" {
		return printJSON(w, list)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tCLASS\tADDRESS\tBACKEND\tCREATED")
	for _, inst := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			inst.ID, inst.Name, inst.State, inst.InstanceClass,
			orDash(inst.PublicAddress), inst.Backend, inst.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func printInstance(w io.Writer, format string, inst *models.Instance) error {
	if format == "json" {
		return printJSON(w, inst)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", inst.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", inst.Name)
	fmt.Fprintf(tw, "State:\t%s\n", inst.State)
	fmt.Fprintf(tw, "Image:\t%s\n", inst.ImageID)
	fmt.Fprintf(tw, "Class:\t%s\n", inst.InstanceClass)
	fmt.Fprintf(tw, "Region:\t%s\n", orDash(inst.Region))
	fmt.Fprintf(tw, "Address:\t%s\n", orDash(inst.PublicAddress))
	fmt.Fprintf(tw, "Connect:\t%s\n", orDash(inst.ConnectionHint))
	fmt.Fprintf(tw, "Backend:\t%s\n", inst.Backend)
	fmt.Fprintf(tw, "Version:\t%d\n", inst.Version)
	return tw.Flush()
}

func printDrift(w io.Writer, format string, d lifecycle.Drift) error {
	if format == "json" {
		return printJSON(w, d)
	}
	if err := printInstance(w, format, d.Instance); err != nil {
		return err
	}
	status := "in sync"
	if d.Drifted {
		status = "DRIFTED"
	}
	_, err := fmt.Fprintf(w, "Backend state: %s (%s)\n", d.BackendState, status)
	return err
}

func printObserved(w io.Writer, format string, list []models.Observed) error {
	if format == "json" {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no orphaned instances")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tCLASS\tIMAGE\tADDRESS\tLAUNCHED")
	for _, o := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.State, orDash(o.InstanceClass), orDash(o.ImageID), orDash(o.PublicAddress), orDash(o.LaunchTime))
	}
	return tw.Flush()
}
