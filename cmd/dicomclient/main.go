// dicomclient issues C-ECHO, C-STORE and C-FIND requests against a remote
// application entity.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomuid"
	"v.io/x/lib/vlog"

	dicomnet "github.com/kamedic/go-dicomnet"
	"github.com/kamedic/go-dicomnet/sopclass"
)

var (
	serverAddr     string
	calledAETitle  string
	callingAETitle string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dicomclient",
		Short: "DICOM service user (SCU) command line client",
	}
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:11112", "host:port of the remote application entity")
	rootCmd.PersistentFlags().StringVar(&calledAETitle, "called-ae-title", "ANY-SCP", "AE title of the remote application entity")
	rootCmd.PersistentFlags().StringVar(&callingAETitle, "calling-ae-title", "GODICOMNET", "AE title of this client")

	rootCmd.AddCommand(echoCommand())
	rootCmd.AddCommand(storeCommand())
	rootCmd.AddCommand(findCommand())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// connect opens an association negotiating the given services and transfer
// syntaxes. transferSyntaxUIDs may be nil to propose every standard syntax.
func connect(services []sopclass.SOPUID, transferSyntaxUIDs []string) (*dicomnet.ServiceUser, error) {
	params, err := dicomnet.NewServiceUserParams(
		calledAETitle, callingAETitle, services, transferSyntaxUIDs)
	if err != nil {
		return nil, err
	}
	su := dicomnet.NewServiceUser(params)
	vlog.VI(1).Infof("dicomclient: connecting to %s", serverAddr)
	su.Connect(serverAddr)
	return su, nil
}

func echoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "echo",
		Short: "Verify connectivity to the remote AE with a C-ECHO",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vlog.ConfigureLibraryLoggerFromFlags()
			su, err := connect(sopclass.VerificationClasses, nil)
			if err != nil {
				return err
			}
			defer su.Release()
			if err := su.CEcho(); err != nil {
				return fmt.Errorf("C-ECHO: %w", err)
			}
			fmt.Println("C-ECHO ok")
			return nil
		},
	}
}

func storeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "store <file.dcm>...",
		Short: "Send DICOM files to the remote AE with C-STORE",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vlog.ConfigureLibraryLoggerFromFlags()
			su, err := connect(sopclass.StorageClasses, nil)
			if err != nil {
				return err
			}
			defer su.Release()
			for _, path := range args {
				ds, err := dicom.ReadDataSetFromFile(path, dicom.ReadOptions{})
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := su.CStore(ds); err != nil {
					return fmt.Errorf("%s: C-STORE: %w", path, err)
				}
				fmt.Printf("%s: stored\n", path)
			}
			return nil
		},
	}
}

func findCommand() *cobra.Command {
	var qrLevel, patientName, patientID string
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Query the remote AE with C-FIND",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vlog.ConfigureLibraryLoggerFromFlags()
			var level dicomnet.CFindQRLevel
			switch qrLevel {
			case "patient":
				level = dicomnet.CFindPatientQRLevel
			case "study":
				level = dicomnet.CFindStudyQRLevel
			default:
				return fmt.Errorf("unknown QR level %q; expecting patient or study", qrLevel)
			}
			su, err := connect(sopclass.QRFindClasses,
				[]string{dicomuid.ExplicitVRLittleEndian, dicomuid.ImplicitVRLittleEndian})
			if err != nil {
				return err
			}
			defer su.Release()
			filter := []*dicom.Element{
				dicom.MustNewElement(dicom.TagPatientName, patientName),
				dicom.MustNewElement(dicom.TagPatientID, patientID),
				dicom.MustNewElement(dicom.TagStudyInstanceUID, ""),
			}
			n := 0
			for result := range su.CFind(level, filter) {
				if result.Err != nil {
					return fmt.Errorf("C-FIND: %w", result.Err)
				}
				n++
				fmt.Printf("match %d:\n", n)
				for _, elem := range result.Elements {
					fmt.Printf("  %v\n", elem)
				}
			}
			fmt.Printf("%d matches\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&qrLevel, "level", "study", "Query/retrieve level: patient or study")
	cmd.Flags().StringVar(&patientName, "patient-name", "", "PatientName filter; empty requests the value")
	cmd.Flags().StringVar(&patientID, "patient-id", "", "PatientID filter; empty requests the value")
	return cmd
}
