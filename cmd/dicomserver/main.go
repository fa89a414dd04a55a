// dicomserver is a small PACS-style storage and query provider. It accepts
// C-ECHO, stores C-STORE payloads as DICOM files under an output directory,
// and answers C-FIND by matching the query against the files it knows about.
package main

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"
	"v.io/x/lib/vlog"

	dicomnet "github.com/kamedic/go-dicomnet"
	"github.com/kamedic/go-dicomnet/dimse"
)

var (
	cfgFile string
	v       = viper.New()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicomserver",
		Short: "DICOM storage and query service provider",
		Long: `dicomserver listens for DICOM associations and serves C-ECHO, C-STORE and
C-FIND. Stored objects are written as .dcm files under the output directory
and become visible to subsequent C-FIND queries.`,
		RunE: run,
	}
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "Configuration file path (YAML)")
	rootCmd.Flags().String("listen", ":11112", "TCP address to listen on")
	rootCmd.Flags().String("ae-title", "", "AE title of this server; empty accepts any called AE title")
	rootCmd.Flags().String("dir", ".", "Directory searched recursively for .dcm files to serve in C-FIND")
	rootCmd.Flags().String("output", "", "Directory for objects received by C-STORE; defaults to <dir>/incoming")
	rootCmd.Flags().Int("max-pdu-size", 0, "Largest PDU in bytes this server is willing to receive; 0 means the protocol default")

	for flagName, configKey := range map[string]string{
		"listen":       "server.listen",
		"ae-title":     "server.ae_title",
		"dir":          "storage.dir",
		"output":       "storage.output",
		"max-pdu-size": "server.max_pdu_size",
	} {
		if err := v.BindPFlag(configKey, rootCmd.Flags().Lookup(flagName)); err != nil {
			vlog.Fatal(err)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type server struct {
	outputDir string

	mu       sync.Mutex
	datasets map[string]*dicom.DataSet // keyed by file path; guarded by mu.
	pathSeq  int32
}

func (ss *server) onCEcho() dimse.Status {
	vlog.Infof("dicomserver: C-ECHO")
	return dimse.Success
}

func (ss *server) onCStore(
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	data []byte) dimse.Status {
	p := path.Join(ss.outputDir, fmt.Sprintf("image%04d.dcm", atomic.AddInt32(&ss.pathSeq, 1)))
	vlog.Infof("dicomserver: C-STORE %s (%s) -> %s", sopInstanceUID, dicomuid.UIDString(sopClassUID), p)
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ExplicitVR)
	dicom.WriteFileHeader(e,
		[]*dicom.Element{
			dicom.MustNewElement(dicom.TagTransferSyntaxUID, transferSyntaxUID),
			dicom.MustNewElement(dicom.TagMediaStorageSOPClassUID, sopClassUID),
			dicom.MustNewElement(dicom.TagMediaStorageSOPInstanceUID, sopInstanceUID),
		})
	e.WriteBytes(data)
	if err := e.Error(); err != nil {
		vlog.Errorf("dicomserver: %s: failed to encode: %v", p, err)
		return dimse.Status{Status: dimse.CStoreOutOfResources, ErrorComment: err.Error()}
	}
	if err := ioutil.WriteFile(p, e.Bytes(), 0644); err != nil {
		vlog.Errorf("dicomserver: %s: %v", p, err)
		return dimse.Status{Status: dimse.CStoreOutOfResources, ErrorComment: err.Error()}
	}
	ds, err := dicom.ReadDataSetFromFile(p, dicom.ReadOptions{DropPixelData: true})
	if err != nil {
		vlog.Errorf("dicomserver: %s: failed to reparse: %v", p, err)
		return dimse.Success // the object is stored; only indexing failed
	}
	ss.mu.Lock()
	ss.datasets[p] = ds
	ss.mu.Unlock()
	return dimse.Success
}

type filterMatch struct {
	path  string           // DICOM file path.
	elems []*dicom.Element // Elements that matched the filter.
}

func (ss *server) findMatchingFiles(filters []*dicom.Element) ([]filterMatch, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var matches []filterMatch
	for p, ds := range ss.datasets {
		allMatched := true
		match := filterMatch{path: p}
		for _, filter := range filters {
			ok, elem, err := dicom.Query(ds, filter)
			if err != nil {
				return matches, err
			}
			if !ok {
				allMatched = false
				break
			}
			if elem == nil {
				elem, err = dicom.NewElement(filter.Tag)
				if err != nil {
					return matches, err
				}
			}
			match.elems = append(match.elems, elem)
		}
		if allMatched && len(match.elems) > 0 {
			matches = append(matches, match)
		}
	}
	return matches, nil
}

func (ss *server) onCFind(
	transferSyntaxUID string,
	sopClassUID string,
	filters []*dicom.Element) chan dicomnet.CFindResult {
	vlog.Infof("dicomserver: C-FIND %v, %d filter elements", dicomuid.UIDString(sopClassUID), len(filters))
	ch := make(chan dicomnet.CFindResult, 128)
	go func() {
		defer close(ch)
		matches, err := ss.findMatchingFiles(filters)
		if err != nil {
			ch <- dicomnet.CFindResult{Err: err}
			return
		}
		vlog.Infof("dicomserver: C-FIND found %d matches", len(matches))
		for _, match := range matches {
			vlog.VI(1).Infof("dicomserver: C-FIND match %s: %v", match.path, match.elems)
			ch <- dicomnet.CFindResult{Elements: match.elems}
		}
	}()
	return ch
}

// listDicomFiles finds .dcm files under "dir" and reads their attributes,
// excluding PixelData.
func listDicomFiles(dir string) (map[string]*dicom.DataSet, error) {
	datasets := make(map[string]*dicom.DataSet)
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			vlog.Errorf("dicomserver: %v: skipping: %v", p, err)
			return nil
		}
		if info.IsDir() || !strings.HasSuffix(p, ".dcm") {
			return nil
		}
		ds, err := dicom.ReadDataSetFromFile(p, dicom.ReadOptions{DropPixelData: true})
		if err != nil {
			vlog.Errorf("dicomserver: %s: not a DICOM file: %v", p, err)
			return nil
		}
		vlog.VI(1).Infof("dicomserver: indexed %s", p)
		datasets[p] = ds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return datasets, nil
}

func run(cmd *cobra.Command, args []string) error {
	vlog.ConfigureLibraryLoggerFromFlags()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}

	dir := v.GetString("storage.dir")
	outputDir := v.GetString("storage.output")
	if outputDir == "" {
		outputDir = filepath.Join(dir, "incoming")
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	datasets, err := listDicomFiles(dir)
	if err != nil {
		return err
	}
	vlog.Infof("dicomserver: indexed %d files under %s", len(datasets), dir)

	ss := &server{outputDir: outputDir, datasets: datasets}
	sp := dicomnet.NewServiceProvider(dicomnet.ServiceProviderParams{
		AETitle:    v.GetString("server.ae_title"),
		MaxPDUSize: v.GetInt("server.max_pdu_size"),
		CEcho:      ss.onCEcho,
		CStore:     ss.onCStore,
		CFind:      ss.onCFind,
	})
	return sp.Run(v.GetString("server.listen"))
}
