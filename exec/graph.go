// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/grailbio/base/log"
)

// HandleDebug registers the session's debug handlers on mux.
func (s *Session) HandleDebug(mux *http.ServeMux) {
	mux.Handle("/debug", http.HandlerFunc(s.handleDebug))
	mux.Handle("/debug/status", http.HandlerFunc(s.handleStatus))
	mux.Handle("/debug/snapshot", http.HandlerFunc(s.handleSnapshot))
	mux.Handle("/debug/stages/graph", http.HandlerFunc(s.handleStagesGraph))
	mux.Handle("/debug/stages", http.HandlerFunc(s.handleStages))
}

func (s *Session) handleDebug(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("content-type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, debugIndexHtml)
}

var debugIndexHtml = `<!DOCTYPE html>
<meta charset="utf-8">
<head>
<title>
/debug
</title>
</head>
<body>

<dl>
<dt><a href="/debug/status">/debug/status</a></dt>
<dd>bndl job status</dd>
<dt><a href="/debug/snapshot">/debug/snapshot</a></dt>
<dd>scheduler snapshot of jobs and workers</dd>
<dt><a href="/debug/stages">/debug/stages</a></dt>
<dd>bndl stage graph</dd>
</dl>
</body>
</html>
`

func (s *Session) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "session has no status", http.StatusNotFound)
		return
	}
	w.Header().Add("content-type", "text/plain; charset=utf-8")
	if err := s.status.Marshal(w); err != nil {
		log.Error.Printf("Session.handleStatus: %v", err)
	}
}

func (s *Session) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("content-type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		log.Error.Printf("Session.handleSnapshot: json.Encode: %v", err)
		http.Error(w, err.Error(), 500)
	}
}

type graphNode struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Final    bool   `json:"final"`
	Done     int    `json:"done"`
	Tasks    int    `json:"tasks"`
	Attempts int    `json:"attempts"`
}

type graphLink struct {
	Source int `json:"source"`
	Target int `json:"target"`
}

type stageGraph struct {
	Nodes []graphNode `json:"nodes"`
	Links []graphLink `json:"links"`
}

// stagesGraph renders the stages of the snapshot's jobs as a graph
// whose links point from each stage to the stages it reads.
func stagesGraph(snap *Snapshot) stageGraph {
	var graph stageGraph
	if snap == nil {
		return graph
	}
	for _, job := range snap.Jobs {
		base := len(graph.Nodes)
		index := make(map[int]int, len(job.Stages))
		for i, stage := range job.Stages {
			index[stage.ID] = base + i
			node := graphNode{
				Name:     stage.Name,
				State:    stage.State.String(),
				Final:    i == len(job.Stages)-1,
				Done:     stage.Tasks[TaskOk],
				Attempts: stage.Attempts,
			}
			for _, n := range stage.Tasks {
				node.Tasks += n
			}
			graph.Nodes = append(graph.Nodes, node)
		}
		for i, stage := range job.Stages {
			for _, parent := range stage.Parents {
				if j, ok := index[parent]; ok {
					graph.Links = append(graph.Links, graphLink{base + i, j})
				}
			}
		}
	}
	return graph
}

func (s *Session) handleStagesGraph(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("content-type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(stagesGraph(s.Snapshot())); err != nil {
		log.Error.Printf("Session.handleStagesGraph: json.Encode: %v", err)
		http.Error(w, err.Error(), 500)
	}
}

func (s *Session) handleStages(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("content-type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, stagesGraphHtml)
}

var stagesGraphHtml = `<!DOCTYPE html>
<meta charset="utf-8">
<style>
line { stroke: #999; }
text { font-family: sans-serif; font-size: 10px; }
</style>
<svg width="960" height="600"></svg>
<script src="https://d3js.org/d3.v4.min.js"></script>
<script>
var svg = d3.select("svg"),
    color = d3.scaleOrdinal(d3.schemeCategory10);

d3.json("/debug/stages/graph", function(error, graph) {
  if (error) throw error;
  var link = svg.append("g").selectAll("line")
    .data(graph.links).enter().append("line");
  var node = svg.append("g").selectAll("g")
    .data(graph.nodes).enter().append("g");
  node.append("circle")
    .attr("r", function(d) { return d.final ? 10 : 5; })
    .attr("fill", function(d) { return color(d.state); });
  node.append("text")
    .attr("x", 12).attr("y", 3)
    .text(function(d) { return d.name + " " + d.state + " " + d.done + "/" + d.tasks; });
  node.append("title")
    .text(function(d) { return d.attempts + " attempts"; });
  d3.forceSimulation(graph.nodes)
    .force("charge", d3.forceManyBody().strength(-600))
    .force("link", d3.forceLink(graph.links))
    .force("center", d3.forceCenter(+svg.attr("width") / 2, +svg.attr("height") / 2))
    .on("tick", function() {
      link.attr("x1", function(d) { return d.source.x; })
        .attr("y1", function(d) { return d.source.y; })
        .attr("x2", function(d) { return d.target.x; })
        .attr("y2", function(d) { return d.target.y; });
      node.attr("transform", function(d) { return "translate(" + d.x + "," + d.y + ")"; });
    });
});
</script>
`
