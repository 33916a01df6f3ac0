package backup

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	mysqlCreateTable  = regexp.MustCompile("(?m)^CREATE TABLE `([^`]+)`")
	mysqlSectionStart = regexp.MustCompile("^-- (?:Table structure|Dumping data) for table `([^`]+)`")
	mysqlSectionEnd   = regexp.MustCompile(`^(?:/\*!40\d{3} SET [A-Z_]+=@OLD_|-- Dump completed)`)
	mysqlConflict     = regexp.MustCompile(`ERROR (1050|1062|1022|1068)`)
)

// MySQLTool dumps with mysqldump and loads with the mysql client. The
// password travels in MYSQL_PWD so it never appears in the process list.
type MySQLTool struct {
	database DatabaseConfig
	dumpPath string
	loadPath string
	runner   *toolRunner
}

// Dump captures the selected tables as a single SQL stream
func (m *MySQLTool) Dump(ctx context.Context, opts DumpOptions) (*DumpResult, error) {
	args := append(m.connectionArgs(),
		"--single-transaction",
		"--quick",
		"--routines",
		"--triggers",
		"--add-drop-table",
		"--no-tablespaces",
	)

	if opts.SchemaOnly {
		args = append(args, "--no-data")
	}
	for _, table := range opts.ExcludeTables {
		args = append(args, fmt.Sprintf("--ignore-table=%s.%s", m.database.Database, table))
	}

	args = append(args, m.database.Database)
	args = append(args, opts.Tables...)

	output, err := m.runner.run(ctx, m.dumpPath, args, m.env(), nil)
	if err != nil {
		return nil, err
	}

	return &DumpResult{Data: output.Stdout, Tables: mysqlDumpTables(output.Stdout)}, nil
}

// Load applies a stream produced by Dump. Without DropExisting the DROP
// TABLE statements are removed so existing tables surface as conflicts.
func (m *MySQLTool) Load(ctx context.Context, data []byte, opts LoadOptions) error {
	stream := data
	var err error
	if len(opts.Tables) > 0 {
		if stream, err = filterMySQLDump(stream, opts.Tables); err != nil {
			return err
		}
	}
	if !opts.DropExisting {
		if stream, err = stripMySQLDrops(stream); err != nil {
			return err
		}
	}

	args := append(m.connectionArgs(), m.database.Database)

	output, err := m.runner.run(ctx, m.loadPath, args, m.env(), stream)
	if err != nil {
		if output != nil && mysqlConflict.MatchString(output.Stderr) {
			return fmt.Errorf("%w: %s", ErrLoadConflict, strings.TrimSpace(output.Stderr))
		}
		return err
	}

	return nil
}

func (m *MySQLTool) connectionArgs() []string {
	return []string{
		"--host=" + m.database.Host,
		"--port=" + strconv.Itoa(m.database.Port),
		"--user=" + m.database.Username,
	}
}

func (m *MySQLTool) env() []string {
	if m.database.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + m.database.Password}
}

// mysqlDumpTables lists the tables a dump actually contains
func mysqlDumpTables(dump []byte) []string {
	seen := make(map[string]bool)
	var tables []string
	for _, match := range mysqlCreateTable.FindAllSubmatch(dump, -1) {
		name := string(match[1])
		if !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	sort.Strings(tables)
	return tables
}

// filterMySQLDump keeps the header, the footer and the sections of the
// given tables. Sections are delimited by mysqldump's table comments.
func filterMySQLDump(dump []byte, tables []string) ([]byte, error) {
	keep := make(map[string]bool, len(tables))
	for _, table := range tables {
		keep[table] = true
	}

	var out bytes.Buffer
	current := ""
	scanner := bufio.NewScanner(bytes.NewReader(dump))
	scanner.Buffer(make([]byte, 0, 1024*1024), 256*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if match := mysqlSectionStart.FindStringSubmatch(line); match != nil {
			current = match[1]
		} else if mysqlSectionEnd.MatchString(line) {
			current = ""
		}

		if current == "" || keep[current] {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewExternalToolError("failed to scan SQL dump", err)
	}

	return out.Bytes(), nil
}

func stripMySQLDrops(dump []byte) ([]byte, error) {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(dump))
	scanner.Buffer(make([]byte, 0, 1024*1024), 256*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "DROP TABLE IF EXISTS ") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, NewExternalToolError("failed to scan SQL dump", err)
	}

	return out.Bytes(), nil
}
