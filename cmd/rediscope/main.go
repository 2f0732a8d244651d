// Command rediscope is a minimal redis-cli style front end for the
// rediscope client. Connection settings come from flags or a YAML
// profile; the command to run comes from the remaining arguments.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/rediscope/rediscope"
	"github.com/rediscope/rediscope/protocol"
	"github.com/rediscope/rediscope/tunnel"
)

// Profile is one named connection in a YAML profile file.
type Profile struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`

	TLS struct {
		Enabled    bool   `yaml:"enabled"`
		ServerName string `yaml:"server_name"`
		CAFile     string `yaml:"ca_file"`
		CertFile   string `yaml:"cert_file"`
		KeyFile    string `yaml:"key_file"`
		SkipVerify bool   `yaml:"skip_verify"`
	} `yaml:"tls"`

	SSH struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		KeyFile  string `yaml:"key_file"`
	} `yaml:"ssh"`
}

func main() {
	var (
		addr        = flag.String("addr", "localhost:6379", "Redis endpoint (host:port)")
		password    = flag.String("password", "", "AUTH password")
		database    = flag.Int("db", 0, "database to SELECT")
		profilePath = flag.String("profile", "", "YAML connection profile file")
		profileName = flag.String("name", "", "profile name to use (default: first)")
		timeout     = flag.Duration("timeout", 5*time.Second, "connect timeout")
		pipeline    = flag.Bool("pipe", false, "read command lines from stdin and pipeline them")
		helpFlag    = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *helpFlag || (flag.NArg() == 0 && !*pipeline) {
		fmt.Println("rediscope - wire-level Redis inspector")
		fmt.Println("======================================")
		fmt.Println("Usage: rediscope [flags] COMMAND [ARG...]")
		fmt.Println("       rediscope [flags] --pipe < commands.txt")
		fmt.Println("")
		fmt.Println("Flags:")
		flag.PrintDefaults()
		fmt.Println("")
		fmt.Println("Example:")
		fmt.Println(`  rediscope --addr=localhost:6379 GET greeting`)
		fmt.Println(`  rediscope --profile=connections.yaml --name=staging SET k "v"`)
		os.Exit(0)
	}

	opts, err := buildOptions(*addr, *password, *database, *timeout, *profilePath, *profileName)
	if err != nil {
		fatal(err)
	}

	client, err := rediscope.New(opts...)
	if err != nil {
		fatal(err)
	}
	defer client.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		fatal(err)
	}
	if info := client.TunnelInfo(); info != nil {
		fmt.Fprintf(os.Stderr, "tunneled via %s:%d -> %s:%d\n",
			info.LocalHost, info.LocalPort, info.RemoteHost, info.RemotePort)
	}

	if *pipeline {
		runPipeline(ctx, client)
		return
	}

	line := strings.Join(flag.Args(), " ")
	res := client.Execute(ctx, line)
	printResult(res)
	if !res.Ok {
		os.Exit(1)
	}
}

// buildOptions turns flags and an optional YAML profile into client
// options. Flags win over the profile for the basic fields.
func buildOptions(addr, password string, database int, timeout time.Duration, profilePath, profileName string) ([]rediscope.Option, error) {
	opts := []rediscope.Option{
		rediscope.WithConnectTimeout(timeout),
	}

	if profilePath == "" {
		return append(opts,
			rediscope.WithAddr(addr),
			rediscope.WithAuth(password),
			rediscope.WithDatabase(database),
		), nil
	}

	data, err := os.ReadFile(profilePath)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	var profiles []Profile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("profile file %s contains no connections", profilePath)
	}

	p := profiles[0]
	if profileName != "" {
		found := false
		for _, candidate := range profiles {
			if candidate.Name == profileName {
				p = candidate
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no profile named %q in %s", profileName, profilePath)
		}
	}

	opts = append(opts,
		rediscope.WithName(p.Name),
		rediscope.WithAddr(p.Addr),
		rediscope.WithAuth(p.Password),
		rediscope.WithDatabase(p.Database),
	)

	if p.TLS.Enabled {
		if p.TLS.CAFile != "" || p.TLS.CertFile != "" {
			caPEM, certPEM, keyPEM, err := readTLSMaterial(p)
			if err != nil {
				return nil, err
			}
			opts = append(opts, rediscope.WithTLSMaterial(caPEM, certPEM, keyPEM, p.TLS.SkipVerify))
		} else {
			opts = append(opts, rediscope.WithSecureTLS(p.TLS.ServerName))
		}
	}

	if p.SSH.Host != "" {
		sshCfg := tunnel.Config{
			Host:     p.SSH.Host,
			Port:     p.SSH.Port,
			User:     p.SSH.User,
			Password: p.SSH.Password,
		}
		if p.SSH.KeyFile != "" {
			key, err := os.ReadFile(p.SSH.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("read ssh key: %w", err)
			}
			sshCfg.PrivateKey = key
		}
		opts = append(opts, rediscope.WithSSHTunnel(sshCfg))
	}

	return opts, nil
}

func readTLSMaterial(p Profile) (caPEM, certPEM, keyPEM []byte, err error) {
	if p.TLS.CAFile != "" {
		if caPEM, err = os.ReadFile(p.TLS.CAFile); err != nil {
			return nil, nil, nil, fmt.Errorf("read ca file: %w", err)
		}
	}
	if p.TLS.CertFile != "" {
		if certPEM, err = os.ReadFile(p.TLS.CertFile); err != nil {
			return nil, nil, nil, fmt.Errorf("read cert file: %w", err)
		}
		if keyPEM, err = os.ReadFile(p.TLS.KeyFile); err != nil {
			return nil, nil, nil, fmt.Errorf("read key file: %w", err)
		}
	}
	return caPEM, certPEM, keyPEM, nil
}

func runPipeline(ctx context.Context, client *rediscope.Client) {
	var lines []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		fatal(err)
	}
	if len(lines) == 0 {
		return
	}

	results, err := client.Pipeline(ctx, lines)
	if err != nil {
		fatal(err)
	}
	for i, res := range results {
		fmt.Printf("%d) ", i+1)
		printResult(res)
	}
}

var (
	errColor     = color.New(color.FgRed)
	statusColor  = color.New(color.FgGreen)
	integerColor = color.New(color.FgCyan)
	nullColor    = color.New(color.Faint)
)

func printResult(res rediscope.Result) {
	if !res.Ok {
		errColor.Printf("(error) %s\n", res.Err)
		return
	}
	printValue(res.Value, 0)
}

// printValue renders a reply the way redis-cli does, with nested
// arrays indented and numbered.
func printValue(v protocol.Value, depth int) {
	indent := strings.Repeat("  ", depth)
	switch {
	case v.IsNull:
		nullColor.Printf("%s(nil)\n", indent)
	case v.Type == protocol.TypeStatus:
		statusColor.Printf("%s%s\n", indent, v.String())
	case v.Type == protocol.TypeInteger:
		integerColor.Printf("%s(integer) %d\n", indent, v.Integer)
	case v.Type == protocol.TypeBulk:
		fmt.Printf("%s%q\n", indent, v.String())
	case v.Type == protocol.TypeArray:
		if len(v.Array) == 0 {
			nullColor.Printf("%s(empty array)\n", indent)
			return
		}
		for i, item := range v.Array {
			fmt.Printf("%s%d) ", indent, i+1)
			printValue(item, 0)
		}
	default:
		fmt.Printf("%s%s\n", indent, v.String())
	}
}

func fatal(err error) {
	errColor.Fprintf(os.Stderr, "rediscope: %v\n", err)
	os.Exit(1)
}
