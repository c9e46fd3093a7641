package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"gorm.io/gorm"

	"github.com/caselink/caselink/internal/models"
	"github.com/caselink/caselink/pkg/config"
)

type appStatus struct {
	GeneratedAt       time.Time
	Environment       string
	Port              string
	Users             int64
	Conversations     int64
	Messages          int64
	UnreadReceipts    int64
	Attachments       int64
	AttachmentBytes   int64
	MessagesLast24h   int64
	LatestMessageAt   string
	PushSubscriptions int64
	DBMetricsReady    bool
	DBWarning         string
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}

	status := collectStatus(cfg, db)
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config, db *gorm.DB) appStatus {
	status := appStatus{
		GeneratedAt: time.Now(),
		Environment: cfg.Environment,
		Port:        cfg.Port,
	}

	counts := []struct {
		model any
		dest  *int64
	}{
		{&models.User{}, &status.Users},
		{&models.Conversation{}, &status.Conversations},
		{&models.Message{}, &status.Messages},
		{&models.PushSubscription{}, &status.PushSubscriptions},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dest).Error; err != nil {
			status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
			return status
		}
	}

	var err error
	if err = db.Model(&models.Receipt{}).
		Where("read_at IS NULL").
		Count(&status.UnreadReceipts).Error; err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}

	if err = db.Model(&models.Message{}).
		Where("attachment_key IS NOT NULL").
		Count(&status.Attachments).Error; err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}

	if err = db.Model(&models.Message{}).
		Select("COALESCE(SUM(attachment_size), 0)").
		Scan(&status.AttachmentBytes).Error; err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}

	if err = db.Model(&models.Message{}).
		Where("created_at >= ?", time.Now().Add(-24*time.Hour)).
		Count(&status.MessagesLast24h).Error; err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}

	var latest models.Message
	err = db.Order("created_at DESC").First(&latest).Error
	switch {
	case err == nil:
		status.LatestMessageAt = latest.CreatedAt.Format(time.RFC3339)
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}

	status.DBMetricsReady = true
	return status
}

func printStatus(out io.Writer, status appStatus) {
	fmt.Fprintf(out, "Caselink status (%s)\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  Environment:        %s\n", status.Environment)
	fmt.Fprintf(out, "  Port:               %s\n", status.Port)

	if status.DBWarning != "" {
		fmt.Fprintf(out, "  Warning:            %s\n", status.DBWarning)
		return
	}

	fmt.Fprintf(out, "  Users:              %d\n", status.Users)
	fmt.Fprintf(out, "  Conversations:      %d\n", status.Conversations)
	fmt.Fprintf(out, "  Messages:           %d\n", status.Messages)
	fmt.Fprintf(out, "  Unread receipts:    %d\n", status.UnreadReceipts)
	fmt.Fprintf(out, "  Attachments:        %d (%s)\n", status.Attachments, formatBytes(status.AttachmentBytes))
	fmt.Fprintf(out, "  Messages last 24h:  %d\n", status.MessagesLast24h)
	fmt.Fprintf(out, "  Latest message:     %s\n", formatTimestamp(status.LatestMessageAt))
	fmt.Fprintf(out, "  Push subscriptions: %d\n", status.PushSubscriptions)
}

func printStatusJSON(out io.Writer, status appStatus) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatTimestamp(ts string) string {
	if ts == "" {
		return "n/a"
	}
	return ts
}
