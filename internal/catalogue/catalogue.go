// Package catalogue loads the TOML document of programming tasks games
// sample from, and performs that sampling. The loader itself is treated
// as an external collaborator by the specification this module
// implements: the concrete file format is incidental, this package just
// has to parse it once at startup and hand out read-only tasks.
package catalogue

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/BurntSushi/toml"

	"github.com/adred-codev/codearena/internal/protocol"
)

// TestCase is one stdin/expected-stdout pair as it appears in the TOML
// document.
type TestCase struct {
	ID       int    `toml:"id"`
	Stdin    string `toml:"stdin"`
	Expected string `toml:"expected"`
}

// Task is one catalogue entry: a question and its public and private
// test suites. Private cases never leave this process.
type Task struct {
	TaskID            int        `toml:"task_id"`
	Question          string     `toml:"question"`
	PublicTestCases   []TestCase `toml:"public_test_cases"`
	PrivateTestCases  []TestCase `toml:"private_test_cases"`
}

// document is the top-level shape of the TOML file: a single `tasks`
// array table.
type document struct {
	Tasks []Task `toml:"tasks"`
}

// Catalogue is the full set of tasks loaded at startup, shared
// read-only across every shard in the process.
type Catalogue struct {
	tasks []Task
}

// Load parses the TOML document at path into a Catalogue.
func Load(path string) (*Catalogue, error) {
	var doc document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("decode task catalogue %s: %w", path, err)
	}
	return &Catalogue{tasks: doc.Tasks}, nil
}

// Size returns the number of tasks in the catalogue.
func (c *Catalogue) Size() int {
	return len(c.tasks)
}

// Sample draws n tasks uniformly without replacement. It fails if n
// exceeds the catalogue size.
func (c *Catalogue) Sample(n int) ([]Task, error) {
	if n > len(c.tasks) {
		return nil, fmt.Errorf("requested %d tasks, catalogue has %d", n, len(c.tasks))
	}

	pool := make([]Task, len(c.tasks))
	copy(pool, c.tasks)

	sampled := make([]Task, 0, n)
	for i := 0; i < n; i++ {
		remaining := len(pool) - i
		idx, err := randIndex(remaining)
		if err != nil {
			return nil, err
		}
		sampled = append(sampled, pool[i+idx])
		pool[i+idx] = pool[i]
	}
	return sampled, nil
}

func randIndex(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// Public strips a Task's private test cases for delivery to clients.
func Public(t Task, index int) protocol.PublicTask {
	cases := make([]protocol.TestCase, len(t.PublicTestCases))
	for i, c := range t.PublicTestCases {
		cases[i] = protocol.TestCase{ID: c.ID, Stdin: c.Stdin, Expected: c.Expected}
	}
	return protocol.PublicTask{
		Index:           index,
		TaskID:          t.TaskID,
		Question:        t.Question,
		PublicTestCases: cases,
	}
}
