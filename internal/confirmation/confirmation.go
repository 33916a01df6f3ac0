package confirmation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"db-backup-engine/internal/backup"
	"db-backup-engine/internal/display"
)

// ErrInterrupted is returned when the user interrupts a prompt
var ErrInterrupted = errors.New("operation cancelled by user")

const maxAttempts = 3

// Service asks the operator to approve destructive operations
type Service struct {
	reader *bufio.Reader
	out    io.Writer
	colors *display.ColorSystem
}

// NewService creates a confirmation service reading answers from in
func NewService(in io.Reader, out io.Writer, colors *display.ColorSystem) *Service {
	if colors == nil {
		colors = display.NewColorSystem(display.DarkColorTheme(), false)
	}
	return &Service{
		reader: bufio.NewReader(in),
		out:    out,
		colors: colors,
	}
}

// ConfirmRestore describes what a restore will overwrite and asks for approval
func (s *Service) ConfirmRestore(source *backup.BackupRecord, req backup.RestoreRequest, autoApprove bool) (bool, error) {
	theme := s.colors.Theme()

	fmt.Fprintln(s.out, s.colors.Colorize("Restore summary", theme.Primary))
	fmt.Fprintln(s.out, strings.Repeat("-", 30))
	fmt.Fprintf(s.out, "Backup:      %s (%s)\n", source.ID, source.Name)
	fmt.Fprintf(s.out, "Kind:        %s\n", source.Kind)
	fmt.Fprintf(s.out, "Created:     %s\n", display.FormatTime(source.CreatedAt))
	fmt.Fprintf(s.out, "Scope:       %s\n", req.Scope)
	if len(req.SelectedTables) > 0 {
		fmt.Fprintf(s.out, "Tables:      %s\n", strings.Join(req.SelectedTables, ", "))
	}
	if req.CreatePreRestoreBackup {
		fmt.Fprintln(s.out, "A safety backup of the current data is taken first.")
	}
	fmt.Fprintln(s.out)

	if req.OverwriteExisting {
		fmt.Fprintln(s.out, s.colors.Colorize("DESTRUCTIVE OPERATION", theme.Error))
		fmt.Fprintln(s.out, "Existing data in the restored tables will be replaced.")
		fmt.Fprintln(s.out)
	}

	return s.confirm("Do you want to start this restore?", autoApprove)
}

// ConfirmDelete asks for approval before a backup and its artifact are removed
func (s *Service) ConfirmDelete(record *backup.BackupRecord, autoApprove bool) (bool, error) {
	fmt.Fprintf(s.out, "Backup %s (%s, %s, %s) and its stored artifact will be removed.\n",
		record.ID, record.Name, record.Status, display.FormatBytes(record.CompressedSize))
	return s.confirm("Delete this backup?", autoApprove)
}

// confirm prompts until a yes or no answer, an interrupt or maxAttempts
// unrecognized answers
func (s *Service) confirm(question string, autoApprove bool) (bool, error) {
	if autoApprove {
		fmt.Fprintln(s.out, s.colors.Colorize("Auto-approving...", s.colors.Theme().Success))
		return true, nil
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interruptChan)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		inputChan := make(chan string, 1)
		errorChan := make(chan error, 1)

		go func() {
			input, err := s.prompt(question)
			if err != nil {
				errorChan <- err
				return
			}
			inputChan <- input
		}()

		select {
		case <-interruptChan:
			fmt.Fprintln(s.out, "\n"+s.colors.Colorize("Operation cancelled by user", s.colors.Theme().Warning))
			return false, ErrInterrupted
		case err := <-errorChan:
			return false, fmt.Errorf("failed to read user input: %w", err)
		case input := <-inputChan:
			if answer, ok := parseAnswer(input); ok {
				return answer, nil
			}
			fmt.Fprintf(s.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", input)
		}
	}

	return false, nil
}

func (s *Service) prompt(question string) (string, error) {
	fmt.Fprint(s.out, question+" [y/N]: ")

	input, err := s.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && input != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(input), nil
}

// parseAnswer maps an answer onto a decision; ok is false for anything
// unrecognized
func parseAnswer(input string) (answer bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, true
	case "n", "no", "":
		return false, true
	default:
		return false, false
	}
}
