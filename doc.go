// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingest wires the document ingestion pipeline together.
//
// A Service owns a chunk store, an embedding provider, the chunker with
// its language detector, the ingestion pipeline, the vectorization worker
// pool and the job tracker. Everything is built from a config.Config:
//
//	cfg, err := config.Load("ingest.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := ingest.NewService(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	job, err := svc.Ingest(ctx, ingestion.Document{Text: text})
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	report, err := svc.Wait(ctx, job.ID, time.Second)
//
// Stores and providers passed in with WithStore or WithProvider stay owned
// by the caller and are not closed by Close.
package ingest
