package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/keyring"
)

var keyringLenient bool

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Inspect ETS keyring exports",
}

var keyringInfoCmd = &cobra.Command{
	Use:   "info [FILE]",
	Short: "Summarize a keyring export",
	Long: `Info lists the interfaces, devices and group keys of a keyring
without decrypting any of them. With a password the container
signature is verified first.

Examples:
  knxtool keyring info project.knxkeys
  knxtool keyring info project.knxkeys --password secret`,

	Args: cobra.MaximumNArgs(1),
	RunE: runKeyringInfo,
}

var keyringExportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Decrypt a keyring export to YAML",
	Long: `Export decrypts every key and password in the keyring and prints
them as YAML on stdout. The output contains plaintext secrets;
treat it accordingly.

Example:
  KNXTOOL_PASSWORD=secret knxtool keyring export project.knxkeys > keys.yaml`,

	Args: cobra.MaximumNArgs(1),
	RunE: runKeyringExport,
}

func init() {
	keyringInfoCmd.Flags().BoolVar(&keyringLenient, "lenient", false, "Downgrade a signature mismatch to a warning")

	keyringCmd.AddCommand(keyringInfoCmd)
	keyringCmd.AddCommand(keyringExportCmd)
}

// keyringPath resolves the container path from the positional argument
// or the root --keyring flag.
func keyringPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if path := viper.GetString("keyring"); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("a keyring file is required (argument or --keyring)")
}

func runKeyringInfo(cmd *cobra.Command, args []string) error {
	path, err := keyringPath(args)
	if err != nil {
		return err
	}
	password := []byte(viper.GetString("password"))

	opts := []keyring.Option{keyring.WithLoggerFactory(factory)}
	if keyringLenient {
		opts = append(opts, keyring.WithLenientSignature())
	}
	kr, err := keyring.Load(path, password, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("Project:    %s\n", kr.Project)
	fmt.Printf("Created:    %s by %s\n", kr.Created, kr.CreatedBy)
	switch {
	case len(password) == 0:
		fmt.Println("Signature:  not checked (no password)")
	case keyringLenient:
		fmt.Println("Signature:  checked leniently")
	default:
		fmt.Println("Signature:  verified")
	}
	if bb := kr.Backbone; bb != nil {
		fmt.Printf("Backbone:   %s, latency %s, %s\n",
			bb.MulticastGroup, bb.Latency, presence("backbone key", bb.GroupKey != nil))
	}

	if len(kr.Interfaces) > 0 {
		fmt.Printf("\n%-9s %-9s %-11s %-5s %s\n", "HOST", "ADDR", "TYPE", "USER", "CREDENTIALS")
		for _, host := range sortedAddrs(kr.Interfaces) {
			for _, iface := range kr.Interfaces[host] {
				creds := presence("password", iface.Password != nil) + ", " +
					presence("device auth", iface.Authentication != nil)
				fmt.Printf("%-9s %-9s %-11s %-5d %s, %d group(s)\n",
					host, iface.Addr, iface.Type, iface.UserID, creds, len(iface.Groups))
			}
		}
	}

	if len(kr.Devices) > 0 {
		fmt.Printf("\n%-9s %-10s %s\n", "DEVICE", "SEQUENCE", "SECRETS")
		addrs := make([]cemi.IndividualAddr, 0, len(kr.Devices))
		for addr := range kr.Devices {
			addrs = append(addrs, addr)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		for _, addr := range addrs {
			dev := kr.Devices[addr]
			secrets := presence("tool key", dev.ToolKey != nil) + ", " +
				presence("password", dev.Password != nil) + ", " +
				presence("device auth", dev.Authentication != nil)
			fmt.Printf("%-9s %-10d %s\n", addr, dev.SequenceNumber, secrets)
		}
	}

	fmt.Printf("\nGroup keys: %d\n", len(kr.GroupKeys))
	return nil
}

func presence(name string, ok bool) string {
	if ok {
		return name
	}
	return "no " + name
}

func sortedAddrs(m map[cemi.IndividualAddr][]keyring.Interface) []cemi.IndividualAddr {
	addrs := make([]cemi.IndividualAddr, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Decrypted keyring rendered for the YAML export. Keys are hex
// encoded, passwords stay plaintext strings.
type exportDoc struct {
	Project   string            `yaml:"project"`
	CreatedBy string            `yaml:"created_by,omitempty"`
	Created   string            `yaml:"created,omitempty"`
	Backbone  *exportBackbone   `yaml:"backbone,omitempty"`
	Ifaces    []exportInterface `yaml:"interfaces,omitempty"`
	Devices   []exportDevice    `yaml:"devices,omitempty"`
	GroupKeys map[string]string `yaml:"group_keys,omitempty"`
}

type exportBackbone struct {
	Multicast string `yaml:"multicast"`
	Latency   string `yaml:"latency,omitempty"`
	Key       string `yaml:"key,omitempty"`
}

type exportInterface struct {
	Host           string              `yaml:"host"`
	Addr           string              `yaml:"addr"`
	Type           string              `yaml:"type"`
	UserID         uint8               `yaml:"user,omitempty"`
	Password       string              `yaml:"password,omitempty"`
	Authentication string              `yaml:"authentication,omitempty"`
	Groups         map[string][]string `yaml:"groups,omitempty"`
}

type exportDevice struct {
	Addr           string `yaml:"addr"`
	ToolKey        string `yaml:"tool_key,omitempty"`
	Password       string `yaml:"password,omitempty"`
	Authentication string `yaml:"authentication,omitempty"`
	Sequence       uint64 `yaml:"sequence"`
}

func runKeyringExport(cmd *cobra.Command, args []string) error {
	path, err := keyringPath(args)
	if err != nil {
		return err
	}
	password := []byte(viper.GetString("password"))
	if len(password) == 0 {
		return fmt.Errorf("a keyring password is required (--password or KNXTOOL_PASSWORD)")
	}

	kr, err := keyring.Load(path, password, keyring.WithLoggerFactory(factory))
	if err != nil {
		return err
	}

	doc := exportDoc{
		Project:   kr.Project,
		CreatedBy: kr.CreatedBy,
		Created:   kr.Created,
	}

	if bb := kr.Backbone; bb != nil {
		doc.Backbone = &exportBackbone{Multicast: bb.MulticastGroup.String()}
		if bb.Latency > 0 {
			doc.Backbone.Latency = bb.Latency.String()
		}
		if bb.GroupKey != nil {
			key, err := kr.DecryptKey(bb.GroupKey, password)
			if err != nil {
				return fmt.Errorf("backbone key: %w", err)
			}
			doc.Backbone.Key = hex.EncodeToString(key)
		}
	}

	for _, host := range sortedAddrs(kr.Interfaces) {
		for _, iface := range kr.Interfaces[host] {
			out := exportInterface{
				Host:   host.String(),
				Addr:   iface.Addr.String(),
				Type:   iface.Type.String(),
				UserID: iface.UserID,
			}
			if iface.Password != nil {
				pw, err := kr.DecryptPassword(iface.Password, password)
				if err != nil {
					return fmt.Errorf("interface %s: password: %w", iface.Addr, err)
				}
				out.Password = string(pw)
			}
			if iface.Authentication != nil {
				auth, err := kr.DecryptPassword(iface.Authentication, password)
				if err != nil {
					return fmt.Errorf("interface %s: authentication: %w", iface.Addr, err)
				}
				out.Authentication = string(auth)
			}
			if len(iface.Groups) > 0 {
				out.Groups = make(map[string][]string, len(iface.Groups))
				for ga, senders := range iface.Groups {
					list := make([]string, 0, len(senders))
					for _, sender := range senders {
						list = append(list, sender.String())
					}
					sort.Strings(list)
					out.Groups[ga.String()] = list
				}
			}
			doc.Ifaces = append(doc.Ifaces, out)
		}
	}

	devAddrs := make([]cemi.IndividualAddr, 0, len(kr.Devices))
	for addr := range kr.Devices {
		devAddrs = append(devAddrs, addr)
	}
	sort.Slice(devAddrs, func(i, j int) bool { return devAddrs[i] < devAddrs[j] })
	for _, addr := range devAddrs {
		dev := kr.Devices[addr]
		out := exportDevice{Addr: addr.String(), Sequence: dev.SequenceNumber}
		if dev.ToolKey != nil {
			key, err := kr.DecryptKey(dev.ToolKey, password)
			if err != nil {
				return fmt.Errorf("device %s: tool key: %w", addr, err)
			}
			out.ToolKey = hex.EncodeToString(key)
		}
		if dev.Password != nil {
			pw, err := kr.DecryptPassword(dev.Password, password)
			if err != nil {
				return fmt.Errorf("device %s: password: %w", addr, err)
			}
			out.Password = string(pw)
		}
		if dev.Authentication != nil {
			auth, err := kr.DecryptPassword(dev.Authentication, password)
			if err != nil {
				return fmt.Errorf("device %s: authentication: %w", addr, err)
			}
			out.Authentication = string(auth)
		}
		doc.Devices = append(doc.Devices, out)
	}

	if len(kr.GroupKeys) > 0 {
		doc.GroupKeys = make(map[string]string, len(kr.GroupKeys))
		for ga, encrypted := range kr.GroupKeys {
			key, err := kr.DecryptKey(encrypted, password)
			if err != nil {
				return fmt.Errorf("group %s: %w", ga, err)
			}
			doc.GroupKeys[ga.String()] = hex.EncodeToString(key)
		}
	}

	fmt.Fprintln(os.Stderr, "WARNING: the output contains decrypted keys and passwords")

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return enc.Close()
}
