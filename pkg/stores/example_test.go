package stores_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/openfroyo/modrunner/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a journal.
func ExampleNewSQLiteStore() {
	dir, err := os.MkdirTemp("", "modrunner-journal")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(dir, "journal.db"),
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	path := "/var/lib/modrunner/modules/detector"
	_ = store.RecordInstall(ctx, &stores.InstallRecord{
		ModuleID: "detector",
		Version:  "1.2.0",
		Status:   stores.InstallStatusInstalled,
		Path:     &path,
	})

	latest, err := store.LatestInstall(ctx, "detector")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(latest.ModuleID, latest.Version, latest.Status)
	// Output: detector 1.2.0 installed
}
