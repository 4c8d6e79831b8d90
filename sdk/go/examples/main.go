// Command examples walks through the analyzerhost client against an
// in-process development host.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"time"

	"github.com/CCC-MF/pluginworkshop20230216/internal/api"
	"github.com/CCC-MF/pluginworkshop20230216/internal/host"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage/memory"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/plugin"
	"github.com/CCC-MF/pluginworkshop20230216/plugins/exampleanalyzer"
	"github.com/CCC-MF/pluginworkshop20230216/sdk/go/analyzerhost"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := memory.New()
	manager, err := plugin.NewManager(plugin.ManagerConfig{}, plugin.WithAPI(store))
	if err != nil {
		log.Fatal(err)
	}
	if err := manager.Register(exampleanalyzer.ID, exampleanalyzer.New(store), plugin.IsolationPolicy{}); err != nil {
		log.Fatal(err)
	}
	jobs := host.NewMemoryJobStore()
	queue := host.NewMemoryQueue(16)
	defer queue.Close()
	go func() {
		_ = host.NewProcessor(manager, store, jobs, queue, queue).Start(ctx)
	}()

	srv := httptest.NewServer(api.NewServer("", api.Dependencies{
		Procedures: store,
		Dispatcher: host.NewDispatcher(manager, jobs, queue),
		Methods:    host.NewMethods(manager),
		Jobs:       jobs,
		Plugins:    manager,
	}).Handler())
	defer srv.Close()

	client, err := analyzerhost.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatal(err)
	}

	greeting, err := client.Hello(ctx, exampleanalyzer.ID, "Onkostar")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(greeting)

	saved, err := client.SaveProcedure(ctx, &onkostar.Procedure{
		PatientID: 1,
		FormName:  exampleanalyzer.RelevantFormName,
		Type:      onkostar.ProcedureTypeDiagnosis,
		StartDate: time.Now(),
	})
	if err != nil {
		log.Fatal(err)
	}
	result, err := client.Trigger(ctx, saved.ID, onkostar.EventEditSave)
	if err != nil {
		log.Fatal(err)
	}
	for _, id := range result.JobIDs() {
		job, err := client.WaitJob(ctx, id, 50*time.Millisecond)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("job %s: %s after %d attempt(s)\n", job.ID, job.Status, job.Attempts)
	}
}
