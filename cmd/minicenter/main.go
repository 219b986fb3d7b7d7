package main

// minicenter builds a k-ary fat-tree topology, optionally attaches
// client nodes to the core tier, and can bring the result up on the
// in-process emulation substrate with the learning controller attached

import (
	"fmt"
	"net"
	"os"
	"path"
	"strconv"

	"github.com/gopacket/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/iti/rngstream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	minicenter "github.com/lostcache/MiniCenter"
)

var (
	clients   int
	policy    string
	topoFile  string
	cfgFile   string
	traceFile string
	demo      bool
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "minicenter [radix]",
	Short: "build a k-ary fat-tree and drive it with a learning controller",
	Long: `minicenter builds the fat-tree topology for the given radix k
(default 4): (k/2)^2 core switches, k pods of k/2 aggregation and k/2
edge switches, and k^3/4 hosts.  The radix must be a positive even
integer.  Optionally the topology is brought up on an in-process
emulation and exercised with demo traffic through the MAC-learning
forwarding controller.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().IntVar(&clients, "clients", 0, "number of client nodes to attach to the core tier")
	rootCmd.Flags().StringVar(&policy, "policy", string(minicenter.DistUniform),
		"client distribution policy, uniform or random")
	rootCmd.Flags().StringVar(&topoFile, "topo", "", "write the built topology to this file (json or yaml by extension)")
	rootCmd.Flags().StringVar(&cfgFile, "cfg", "", "read switch build configuration from this file")
	rootCmd.Flags().StringVar(&traceFile, "trace", "", "write an emulation trace to this file (implies --demo)")
	rootCmd.Flags().BoolVar(&demo, "demo", false, "bring the topology up and run demo traffic through it")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log controller and fabric activity")
}

func run(cmd *cobra.Command, args []string) error {
	k := 4
	if len(args) == 1 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("radix %q is not an integer", args[0])
		}
		k = parsed
	}

	cfg := minicenter.DefaultBuildCfg()
	if cfgFile != "" {
		read, err := minicenter.ReadBuildCfg(cfgFile, isYAML(cfgFile), nil)
		if err != nil {
			return err
		}
		cfg = *read
	}

	topo, err := minicenter.BuildFatTree(k, cfg)
	if err != nil {
		return err
	}

	if clients > 0 {
		rng := rngstream.New("clients")
		err = topo.AttachClients(clients, minicenter.DistPolicy(policy), rng)
		if err != nil {
			return err
		}
	}

	fmt.Printf("%s: %d core, %d aggregation, %d edge, %d hosts, %d links\n",
		topo.Name, topo.CoreCount(), topo.AggrCount(), topo.EdgeCount(),
		topo.HostCount(), len(topo.Links))

	if topoFile != "" {
		err = topo.WriteToFile(topoFile)
		if err != nil {
			return err
		}
		fmt.Printf("topology written to %s\n", topoFile)
	}

	if demo || traceFile != "" {
		return runDemo(topo)
	}
	return nil
}

// runDemo brings the topology up on the emulation substrate and pushes a
// short exchange between the first and last host: the opening frame
// floods and is learned along the way, the reply installs unicast rules
// on its path, and the closing frame rides installed rules without
// touching the controller.
func runDemo(topo *minicenter.Topology) error {
	logger := zap.NewNop()
	if verbose {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
	}

	trace := minicenter.CreateTraceManager(topo.Name, traceFile != "")

	evtMgr := evtm.New()
	fab, ctl := minicenter.BuildFabric(topo, evtMgr, logger, trace)

	first := minicenter.HostName(0)
	last := minicenter.HostName(topo.HostCount() - 1)

	firstMAC, err := fab.HostMAC(first)
	if err != nil {
		return err
	}
	lastMAC, err := fab.HostMAC(last)
	if err != nil {
		return err
	}

	// four-frame exchange: flood out, learned reply, forward-path
	// install, and a final frame that rides installed rules end to end
	frames := []struct {
		from    string
		dst     net.HardwareAddr
		payload string
		at      float64
	}{
		{first, lastMAC, "ping", 0.0},
		{last, firstMAC, "pong", 0.1},
		{first, lastMAC, "ping", 0.2},
		{first, lastMAC, "ping", 0.3},
	}
	for _, fr := range frames {
		err = fab.ScheduleFrame(fr.from, fr.dst, layers.EthernetTypeIPv4, []byte(fr.payload), fr.at)
		if err != nil {
			return err
		}
	}
	fab.Run(1.0)

	received, err := fab.Received(last)
	if err != nil {
		return err
	}

	fmt.Printf("demo %s -> %s: %d controller punts over %d frames\n",
		first, last, fab.Punts(), len(frames))
	fmt.Printf("%s received %d frames; %s knows %d addresses\n",
		last, len(received), minicenter.EdgeName(0), len(ctl.MacTable(minicenter.EdgeName(0))))

	err = fab.NotifyPortChange(minicenter.EdgeName(0), 1, minicenter.PortModify)
	if err != nil {
		return err
	}

	if traceFile != "" {
		trace.WriteToFile(traceFile, true)
		fmt.Printf("trace written to %s\n", traceFile)
	}
	return nil
}

func isYAML(filename string) bool {
	ext := path.Ext(filename)
	return ext == ".yaml" || ext == ".yml"
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "minicenter: %v\n", err)
		os.Exit(1)
	}
}
