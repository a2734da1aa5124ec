// Command kerneldrive is a scriptable batch smoke-test driver, not an
// interactive shell (spec.md §1 excludes a REPL as a non-goal).
// Grounded in original_source/project3/app/perf.c's opcode-driven batch
// loop: that driver reads a fixed-width instruction code per line from
// a file and dispatches to open_table/db_insert/db_find/db_delete/
// close_table/shutdown_db. kerneldrive adapts the same shape to a
// readable newline-delimited command format (SPEC_FULL.md §6):
//
//	open <path>          opens a table, assigning it the next table index
//	insert <table> <k> <v>
//	find <table> <k>
//	delete <table> <k>
//	close <table>
//
// table indices are 1-based in command order, matching perf.c's
// tables[table_id - 1] convention. Reads from stdin, or from a file
// named as the program's first argument.
package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"bptreekernel/pkg/kernel"
)

func main() {
	logger := log.New(os.Stderr, "kerneldrive: ", 0)

	var in io.Reader = os.Stdin
	if len(os.Args) > 1 {
		f, err := os.Open(os.Args[1])
		if err != nil {
			logger.Fatalf("open script: %v", err)
		}
		defer f.Close()
		in = f
	}

	k := kernel.InitDB(kernel.Options{BufferCapacity: 100, Logger: logger})
	defer k.ShutdownDB()

	var tables []kernel.TableID

	scanner := bufio.NewScanner(in)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)

		if err := dispatch(k, &tables, fields); err != nil {
			logger.Printf("line %d %q: %v", lineNum, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Fatalf("reading script: %v", err)
	}
}

func dispatch(k *kernel.Kernel, tables *[]kernel.TableID, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "open":
		if len(fields) != 2 {
			return fmt.Errorf("usage: open <path>")
		}
		id, err := k.DBOpen(fields[1])
		if err != nil {
			return err
		}
		*tables = append(*tables, id)
		fmt.Printf("opened table %d -> file-id %d\n", len(*tables), id)
		return nil

	case "insert":
		if len(fields) != 4 {
			return fmt.Errorf("usage: insert <table> <key> <value>")
		}
		id, key, err := resolveTableAndKey(*tables, fields[1], fields[2])
		if err != nil {
			return err
		}
		var value kernel.Value
		copy(value[:], fields[3])
		return k.DBInsert(id, key, value)

	case "find":
		if len(fields) != 3 {
			return fmt.Errorf("usage: find <table> <key>")
		}
		id, key, err := resolveTableAndKey(*tables, fields[1], fields[2])
		if err != nil {
			return err
		}
		var out kernel.Value
		if err := k.DBFind(id, key, &out); err != nil {
			return err
		}
		fmt.Printf("%d -> %s\n", key, trimNulls(out[:]))
		return nil

	case "delete":
		if len(fields) != 3 {
			return fmt.Errorf("usage: delete <table> <key>")
		}
		id, key, err := resolveTableAndKey(*tables, fields[1], fields[2])
		if err != nil {
			return err
		}
		return k.DBDelete(id, key)

	case "close":
		if len(fields) != 2 {
			return fmt.Errorf("usage: close <table>")
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil || idx < 1 || idx > len(*tables) {
			return fmt.Errorf("bad table index %q", fields[1])
		}
		return k.DBClose((*tables)[idx-1])

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func resolveTableAndKey(tables []kernel.TableID, tableField, keyField string) (kernel.TableID, int64, error) {
	idx, err := strconv.Atoi(tableField)
	if err != nil || idx < 1 || idx > len(tables) {
		return 0, 0, fmt.Errorf("bad table index %q", tableField)
	}
	key, err := strconv.ParseInt(keyField, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad key %q", keyField)
	}
	return tables[idx-1], key, nil
}

func trimNulls(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
