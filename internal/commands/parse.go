package commands

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	commandRe = regexp.MustCompile(`!(\w+)(?:\(([\s\S]*)\))?`)
	argRe     = regexp.MustCompile(`(?:"[^"]*"|'[^']*'|[^,])+`)
)

// Contains returns the first command name in msg, including the "!".
func Contains(msg string) (string, bool) {
	m := commandRe.FindStringSubmatch(msg)
	if m == nil {
		return "", false
	}
	return "!" + m[1], true
}

// Trunc drops everything after the first command.
func Trunc(msg string) string {
	loc := commandRe.FindStringIndex(msg)
	if loc == nil {
		return msg
	}
	return msg[:loc[1]]
}

type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeFloat  ParamType = "float"
	TypeBool   ParamType = "boolean"
)

type Param struct {
	Name        string
	Type        ParamType
	Description string
	// Domain bounds numeric params as [Min, Max).
	Domain *[2]float64
}

func anyFloat() *[2]float64 { return &[2]float64{0, math.Inf(1)} }

// Args holds parsed arguments in parameter order.
type Args []interface{}

func (a Args) String(i int) string { s, _ := a[i].(string); return s }
func (a Args) Float(i int) float64 { f, _ := a[i].(float64); return f }
func (a Args) Int(i int) int       { n, _ := a[i].(int); return n }
func (a Args) Bool(i int) bool     { b, _ := a[i].(bool); return b }

var boolWords = map[string]bool{
	"false": false, "f": false, "0": false, "off": false,
	"true": true, "t": true, "1": true, "on": true,
}

func parseArg(raw string, p Param) (interface{}, error) {
	arg := strings.TrimSpace(raw)
	if len(arg) >= 2 && ((arg[0] == '"' && arg[len(arg)-1] == '"') || (arg[0] == '\'' && arg[len(arg)-1] == '\'')) {
		arg = arg[1 : len(arg)-1]
	}
	if i := strings.Index(arg, "="); i >= 0 {
		arg = arg[i+1:]
	}

	var num float64
	switch p.Type {
	case TypeString:
		return arg, nil
	case TypeBool:
		b, ok := boolWords[strings.ToLower(strings.TrimSpace(arg))]
		if !ok {
			return nil, fmt.Errorf("Param '%s' must be of type %s", p.Name, p.Type)
		}
		return b, nil
	case TypeInt:
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return nil, fmt.Errorf("Param '%s' must be of type %s", p.Name, p.Type)
		}
		num = float64(n)
		if err := checkDomain(num, p); err != nil {
			return nil, err
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil || math.IsNaN(f) {
			return nil, fmt.Errorf("Param '%s' must be of type %s", p.Name, p.Type)
		}
		if err := checkDomain(f, p); err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("parameter '%s' has unknown type: %s", p.Name, p.Type)
	}
}

func checkDomain(v float64, p Param) error {
	if p.Domain == nil {
		return nil
	}
	lo, hi := p.Domain[0], p.Domain[1]
	if v < lo || v >= hi {
		return fmt.Errorf("Param '%s' must be in [%g, %g)", p.Name, lo, hi)
	}
	return nil
}

// parse splits msg into a known command and its typed arguments. A
// non-empty string result is a user-facing error.
func (c *Catalog) parse(msg string) (*Command, Args, string) {
	m := commandRe.FindStringSubmatch(msg)
	if m == nil {
		return nil, nil, "Command is incorrectly formatted"
	}
	name := "!" + m[1]
	cmd, ok := c.byName[name]
	if !ok {
		return nil, nil, fmt.Sprintf("%s is not a command.", name)
	}
	var raw []string
	if m[2] != "" {
		raw = argRe.FindAllString(m[2], -1)
	}
	if len(raw) != len(cmd.Params) {
		return nil, nil, fmt.Sprintf("Command %s was given %d args, but requires %d args.", cmd.Name, len(raw), len(cmd.Params))
	}
	args := make(Args, len(raw))
	for i, r := range raw {
		v, err := parseArg(r, cmd.Params[i])
		if err != nil {
			return nil, nil, err.Error()
		}
		args[i] = v
	}
	return cmd, args, ""
}
