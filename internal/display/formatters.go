package display

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"db-backup-engine/internal/backup"

	"gopkg.in/yaml.v3"
)

// Format selects how a Printer renders results
type Format string

const (
	FormatTable   Format = "table"
	FormatJSON    Format = "json"
	FormatYAML    Format = "yaml"
	FormatCompact Format = "compact"
)

// ParseFormat validates an output format name
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case FormatTable, FormatJSON, FormatYAML, FormatCompact:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("invalid output format '%s', must be one of: table, json, yaml, compact", name)
	}
}

// Printer renders engine results in the selected format. JSON and YAML
// output is the value itself; table and compact output are rendered by the
// per-type methods.
type Printer struct {
	out    io.Writer
	format Format
	colors *ColorSystem
	style  TableStyle
}

// NewPrinter creates a printer writing to out. colors may be nil.
func NewPrinter(out io.Writer, format Format, colors *ColorSystem) *Printer {
	if colors == nil || format != FormatTable {
		colors = NewColorSystem(DarkColorTheme(), false)
	}

	style := DefaultTableStyle
	if format == FormatCompact {
		style = CompactTableStyle
	}
	return &Printer{out: out, format: format, colors: colors, style: style}
}

// SetTableStyle overrides the style of table output
func (p *Printer) SetTableStyle(style TableStyle) {
	if p.format == FormatTable {
		p.style = style
	}
}

// Format returns the printer's format
func (p *Printer) Format() Format {
	return p.format
}

func (p *Printer) structured(v interface{}) (bool, error) {
	switch p.format {
	case FormatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal output to JSON: %w", err)
		}
		_, err = fmt.Fprintln(p.out, string(data))
		return true, err
	case FormatYAML:
		data, err := yaml.Marshal(v)
		if err != nil {
			return true, fmt.Errorf("failed to marshal output to YAML: %w", err)
		}
		_, err = p.out.Write(data)
		return true, err
	}
	return false, nil
}

func (p *Printer) newTable(headers ...string) *Table {
	table := NewTable(p.colors)
	table.SetStyle(p.style)
	table.SetHeaders(headers...)
	return table
}

func (p *Printer) render(table *Table, empty string) error {
	if table.Len() == 0 {
		if p.format == FormatCompact {
			return nil
		}
		_, err := fmt.Fprintln(p.out, p.colors.Colorize(empty, p.colors.Theme().Muted))
		return err
	}
	table.RenderTo(p.out)
	return nil
}

// Value prints v in a structured format, or as key: value lines otherwise
func (p *Printer) Value(v interface{}) error {
	if done, err := p.structured(v); done {
		return err
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = p.out.Write(data)
	return err
}

// Backups prints one page of backups
func (p *Printer) Backups(page *backup.BackupPage) error {
	if done, err := p.structured(page); done {
		return err
	}

	table := p.newTable("ID", "NAME", "KIND", "STATUS", "STORAGE", "SIZE", "CREATED")
	table.SetColumnAlignment(5, AlignRight)
	table.SetColumnColorizer(3, p.statusColorizer)
	for _, record := range page.Backups {
		table.AddRow(record.ID, record.Name, string(record.Kind), string(record.Status),
			string(record.StorageProvider), FormatBytes(record.CompressedSize), FormatTime(record.CreatedAt))
	}
	if err := p.render(table, "No backups found"); err != nil {
		return err
	}

	if p.format == FormatTable && page.Total > len(page.Backups) {
		_, err := fmt.Fprintf(p.out, "Showing %d-%d of %d\n", page.Offset+1, page.Offset+len(page.Backups), page.Total)
		return err
	}
	return nil
}

// BackupDetails prints one backup with its tables and audit trail
func (p *Printer) BackupDetails(details *backup.BackupDetails) error {
	if done, err := p.structured(details); done {
		return err
	}

	record := details.Backup
	fields := p.newTable("FIELD", "VALUE")
	fields.SetColumnColorizer(1, func(cell string) string {
		if strings.TrimRight(cell, " ") == string(record.Status) {
			return p.statusColorizer(cell)
		}
		return cell
	})
	fields.AddRow("ID", record.ID)
	fields.AddRow("Name", record.Name)
	fields.AddRow("Kind", string(record.Kind))
	fields.AddRow("Status", string(record.Status))
	fields.AddRow("Storage", string(record.StorageProvider))
	fields.AddRow("Path", record.StoragePath)
	fields.AddRow("Size", FormatBytes(record.Size))
	fields.AddRow("Compressed", FormatBytes(record.CompressedSize))
	fields.AddRow("Compression", string(record.CompressionType))
	fields.AddRow("Encrypted", strconv.FormatBool(record.Encrypted))
	fields.AddRow("Checksum", record.Checksum)
	fields.AddRow("Duration", FormatDuration(record.Duration))
	fields.AddRow("Created", FormatTime(record.CreatedAt))
	fields.AddRow("Created by", record.CreatedBy)
	if record.ScheduleID != "" {
		fields.AddRow("Schedule", record.ScheduleID)
	}
	if record.ErrorMessage != "" {
		fields.AddRow("Error", record.ErrorMessage)
	}
	fields.RenderTo(p.out)

	if len(details.Tables) > 0 {
		tables := p.newTable("TABLE", "ROWS")
		tables.SetColumnAlignment(1, AlignRight)
		for _, detail := range details.Tables {
			tables.AddRow(detail.TableName, strconv.FormatInt(detail.RowCount, 10))
		}
		fmt.Fprintln(p.out)
		tables.RenderTo(p.out)
	}

	if len(details.Audit) > 0 {
		fmt.Fprintln(p.out)
		return p.Audit(details.Audit)
	}
	return nil
}

// Restores prints restore operations
func (p *Printer) Restores(ops []*backup.RestoreOperation) error {
	if done, err := p.structured(ops); done {
		return err
	}

	table := p.newTable("ID", "BACKUP", "SCOPE", "STATUS", "TABLES", "PRE-RESTORE", "CREATED")
	table.SetColumnColorizer(3, p.statusColorizer)
	for _, op := range ops {
		table.AddRow(op.ID, op.BackupID, string(op.Scope), string(op.Status),
			strconv.Itoa(len(op.TablesRestored)), op.PreRestoreBackupID, FormatTime(op.CreatedAt))
	}
	return p.render(table, "No restores found")
}

// Schedules prints backup schedules
func (p *Printer) Schedules(schedules []*backup.BackupSchedule) error {
	if done, err := p.structured(schedules); done {
		return err
	}

	table := p.newTable("ID", "NAME", "CRON", "TIMEZONE", "KIND", "ENABLED", "NEXT RUN")
	for _, schedule := range schedules {
		next := "-"
		if schedule.NextRunAt != nil {
			next = FormatTime(*schedule.NextRunAt)
		}
		table.AddRow(schedule.ID, schedule.Name, schedule.CronExpression, schedule.Timezone,
			string(schedule.Kind), strconv.FormatBool(schedule.Enabled), next)
	}
	return p.render(table, "No schedules found")
}

// ScheduleRuns prints the outcome of triggered schedules
func (p *Printer) ScheduleRuns(runs []*backup.ScheduleRunResult) error {
	if done, err := p.structured(runs); done {
		return err
	}

	table := p.newTable("SCHEDULE", "BACKUP", "STATUS", "EXPIRED", "NEXT RUN")
	table.SetColumnColorizer(2, p.statusColorizer)
	for _, run := range runs {
		backupID, status := "-", "FAILED"
		if run.Backup != nil && run.Backup.Backup != nil {
			backupID = run.Backup.Backup.ID
			status = string(run.Backup.Backup.Status)
		}
		expired := "0"
		if run.Retention != nil {
			expired = strconv.Itoa(len(run.Retention.Expired))
		}
		next := "-"
		if run.NextRunAt != nil {
			next = FormatTime(*run.NextRunAt)
		}
		table.AddRow(run.ScheduleID, backupID, status, expired, next)
	}
	return p.render(table, "No schedules were due")
}

// Audit prints audit log entries
func (p *Printer) Audit(entries []*backup.AuditLogEntry) error {
	if done, err := p.structured(entries); done {
		return err
	}

	table := p.newTable("TIME", "ACTION", "SUBJECT", "TRANSITION", "ACTOR", "MESSAGE")
	for _, entry := range entries {
		subject := entry.BackupID
		switch {
		case entry.RestoreID != "":
			subject = entry.RestoreID
		case subject == "":
			subject = entry.ScheduleID
		}

		transition := ""
		if entry.PreviousStatus != "" || entry.NewStatus != "" {
			transition = entry.PreviousStatus + " -> " + entry.NewStatus
		}

		message := entry.Details.Message
		if entry.Details.Error != "" {
			message = entry.Details.Error
		}
		table.AddRow(FormatTime(entry.CreatedAt), string(entry.Action), subject, transition, entry.Actor, message)
	}
	return p.render(table, "No audit entries found")
}

// Verify prints a verification result
func (p *Printer) Verify(result *backup.VerifyResult) error {
	if done, err := p.structured(result); done {
		return err
	}

	if result.Valid {
		return p.Success(fmt.Sprintf("Backup %s is valid (sha256 %s)", result.BackupID, result.ActualChecksum))
	}
	message := fmt.Sprintf("Backup %s failed verification", result.BackupID)
	if result.Error != "" {
		message += ": " + result.Error
	}
	return p.Error(message)
}

// Stats prints aggregate storage statistics
func (p *Printer) Stats(stats *backup.StorageStats) error {
	if done, err := p.structured(stats); done {
		return err
	}

	table := p.newTable("METRIC", "VALUE")
	table.AddRow("Backups", strconv.Itoa(stats.TotalBackups))
	table.AddRow("Artifacts", strconv.Itoa(stats.ArtifactCount))
	table.AddRow("Total size", FormatBytes(stats.TotalSize))
	table.AddRow("Stored size", FormatBytes(stats.TotalCompressedSize))
	if stats.OldestBackup != nil {
		table.AddRow("Oldest", FormatTime(*stats.OldestBackup))
	}
	if stats.NewestBackup != nil {
		table.AddRow("Newest", FormatTime(*stats.NewestBackup))
	}
	for _, status := range sortedKeys(stats.ByStatus) {
		table.AddRow("Status "+status, strconv.Itoa(stats.ByStatus[backup.BackupStatus(status)]))
	}
	for _, kind := range sortedKeys(stats.ByKind) {
		table.AddRow("Kind "+kind, strconv.Itoa(stats.ByKind[backup.BackupKind(kind)]))
	}
	table.RenderTo(p.out)
	return nil
}

// Retention prints the outcome of a retention sweep or a dry run
func (p *Printer) Retention(result *backup.RetentionResult) error {
	if done, err := p.structured(result); done {
		return err
	}

	table := p.newTable("BACKUP", "NAME", "CREATED", "REASON")
	for _, candidate := range result.Candidates {
		table.AddRow(candidate.Backup.ID, candidate.Backup.Name, FormatTime(candidate.Backup.CreatedAt), candidate.Reason)
	}
	if err := p.render(table, "Nothing to expire"); err != nil {
		return err
	}
	if p.format == FormatCompact {
		return nil
	}

	summary := fmt.Sprintf("Expired %d of %d backups, kept %d", len(result.Expired), result.Evaluated, result.Kept)
	if result.DryRun {
		summary = fmt.Sprintf("Would expire %d of %d backups, kept %d", len(result.Candidates), result.Evaluated, result.Kept)
	}
	if err := p.Info(summary); err != nil {
		return err
	}
	for _, failure := range result.Errors {
		if err := p.Warning(failure); err != nil {
			return err
		}
	}
	return nil
}

// Success prints a success message
func (p *Printer) Success(message string) error {
	return p.status("success", message, p.colors.Theme().Success)
}

// Info prints an informational message
func (p *Printer) Info(message string) error {
	return p.status("info", message, p.colors.Theme().Info)
}

// Warning prints a warning message
func (p *Printer) Warning(message string) error {
	return p.status("warning", message, p.colors.Theme().Warning)
}

// Error prints an error message
func (p *Printer) Error(message string) error {
	return p.status("error", message, p.colors.Theme().Error)
}

func (p *Printer) status(level, message string, clr Color) error {
	if done, err := p.structured(map[string]string{"level": level, "message": message}); done {
		return err
	}
	if p.format == FormatCompact {
		_, err := fmt.Fprintf(p.out, "%s\t%s\n", level, message)
		return err
	}
	_, err := fmt.Fprintln(p.out, p.colors.Colorize(message, clr))
	return err
}

// statusColorizer colors a padded status cell, keeping the padding plain
func (p *Printer) statusColorizer(cell string) string {
	trimmed := strings.TrimRight(cell, " ")
	return p.colors.Status(trimmed) + cell[len(trimmed):]
}

// FormatBytes renders a byte count with a binary unit
func FormatBytes(n int64) string {
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

// FormatDuration rounds d for display
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

// FormatTime renders t in local time, or "-" for the zero time
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
