package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/stores"
)

// ExampleSQLiteStore_AssignCluster shows that the first cluster assigned to a
// project sticks.
func ExampleSQLiteStore_AssignCluster() {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	for _, c := range []*engine.Cluster{
		{ID: "edge-1", Name: "edge-1", Zone: "eu-1"},
		{ID: "edge-2", Name: "edge-2", Zone: "eu-1"},
	} {
		if err := store.CreateCluster(ctx, c); err != nil {
			log.Fatal(err)
		}
	}
	project := &engine.Project{ID: "team-a", Name: "Team A", Namespace: "team-a", Zone: "eu-1"}
	if err := store.CreateProject(ctx, project); err != nil {
		log.Fatal(err)
	}

	first, _ := store.AssignCluster(ctx, project.ID, "edge-1")
	second, _ := store.AssignCluster(ctx, project.ID, "edge-2")
	fmt.Println(first, second)
	// Output: edge-1 edge-1
}
