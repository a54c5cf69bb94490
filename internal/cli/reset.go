package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset server-side data for a user",
	Long: `Reset server-side data for a user.

Resetting forces the affected clients into a full sync on their next
connection. The account itself is untouched.`,
}

var resetCollectionCmd = &cobra.Command{
	Use:   "collection <username>",
	Short: "Delete a user's server collection",
	Args:  cobra.ExactArgs(1),
	Run:   runResetCollection,
}

var resetMediaCmd = &cobra.Command{
	Use:   "media <username>",
	Short: "Delete a user's server media",
	Args:  cobra.ExactArgs(1),
	Run:   runResetMedia,
}

var purgeCmd = &cobra.Command{
	Use:   "purge <username>",
	Short: "Remove a user's entire data directory",
	Long: `Remove a user's entire data directory: collection, media and the media
database. Combine with 'user del' to remove the account too.`,
	Args: cobra.ExactArgs(1),
	Run:  runPurge,
}

func init() {
	resetCmd.AddCommand(resetCollectionCmd)
	resetCmd.AddCommand(resetMediaCmd)
}

// removePaths deletes each path, ignoring ones that are already gone.
func removePaths(paths ...string) error {
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

func runResetCollection(_ *cobra.Command, args []string) {
	ctx := initContext()
	defer ctx.Close()

	username := args[0]
	path := ctx.Config.CollectionPath(username)
	err := removePaths(path, path+"-wal", path+"-shm")
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Collection reset for '%s'\n", username)
	fmt.Println("The client will perform a full sync on its next connection.")
}

func runResetMedia(_ *cobra.Command, args []string) {
	ctx := initContext()
	defer ctx.Close()

	username := args[0]
	dbPath := ctx.Config.MediaDBPath(username)
	err := removePaths(
		ctx.Config.MediaDirPath(username),
		dbPath, dbPath+"-wal", dbPath+"-shm",
	)
	if err != nil {
		exitError("%v", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Media reset for '%s'\n", username)
}

func runPurge(_ *cobra.Command, args []string) {
	ctx := initContext()
	defer ctx.Close()

	username := args[0]
	dir := ctx.Config.UserDir(username)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		exitError("no data directory for '%s' at %s", username, dir)
	}
	// Refuse anything that would escape the data root.
	if filepath.Dir(dir) != filepath.Clean(ctx.Config.DataRoot) {
		exitError("invalid username '%s'", username)
	}
	if err := os.RemoveAll(dir); err != nil {
		exitError("%v", err)
	}

	fmt.Printf("Purged data directory for '%s'\n", username)
}
