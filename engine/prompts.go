package engine

// Template names follow "phase<N>.<step>".
const (
	TemplatePhase1Think     = "phase1.think"
	TemplatePhase1Integrate = "phase1.integrate"
	TemplatePhase2Think     = "phase2.think"
	TemplatePhase2Integrate = "phase2.integrate"
	TemplatePhase3Think     = "phase3.think"
	TemplatePhase3Integrate = "phase3.integrate"
	TemplatePhase4Think     = "phase4.think"
	TemplatePhase4Integrate = "phase4.integrate"
	TemplatePhase5Think     = "phase5.think"
	TemplatePhase5Integrate = "phase5.integrate"
)

// defaultTemplates are the built-in prompts. Operators can override any of
// them from the prompt override directory.
var defaultTemplates = map[string]string{
	TemplatePhase1Think: `You are planning research for social content about {subject} on {platform}.
Produce the search questions that will surface current trends, audience pain
points, and notable discussions.

Respond with JSON only:
{"questions": ["..."], "focus": "one sentence on what matters most"}`,

	TemplatePhase1Integrate: `You are a trend analyst. Using the research findings below, identify the
strongest topics for {subject} content on {platform}.

Research findings:
{researchFindings}

Respond with JSON only:
{"topics": [{"name": "...", "why": "...", "momentum": "rising|steady|fading"}],
 "insights": ["..."],
 "sources": ["url", "..."]}`,

	TemplatePhase2Think: `You are evaluating content opportunities about {subject} for {platform}.
Define the criteria that separate a high-potential topic from a weak one,
considering the tone "{tone}".

Respond with JSON only:
{"criteria": ["..."]}`,

	TemplatePhase2Integrate: `Score each candidate topic for content potential on {platform}.

Topics:
{topics}

Evaluation criteria:
{criteria}

Respond with JSON only:
{"opportunities": [{"topic": "...", "score": 0.0, "rationale": "..."}],
 "recommended": "name of the best topic"}`,

	TemplatePhase3Think: `You are a creative director preparing concepts about {recommendedTopic}
for {platform} with a {tone} tone. Sketch the creative directions worth
exploring before writing full concepts.

Respond with JSON only:
{"directions": ["..."], "audience": "who this is for"}`,

	TemplatePhase3Integrate: `Generate distinct content concepts for {recommendedTopic} on {platform}.
Each concept needs a working title, an opening hook, an angle, and a format.

Creative directions:
{directions}

Respond with JSON only:
{"concepts": [{"number": 1, "title": "...", "hook": "...", "angle": "...",
  "format": "...", "visual_guide": "...", "timing": "...", "hashtags": ["..."]}]}`,

	TemplatePhase4Think: `Review the concepts below and choose the single strongest one to fully
compose for {platform}. Outline the piece before writing it.

Concepts:
{concepts}

Respond with JSON only:
{"selected_concept": 1, "outline": ["..."]}`,

	TemplatePhase4Integrate: `Write the complete {platform} post for the selected concept, in a {tone}
tone. Follow the outline.

Concepts:
{concepts}

Outline:
{outline}

Respond with JSON only:
{"selected_concept": 1, "content": "the full post text", "reasoning": "..."}`,

	TemplatePhase5Think: `You are planning the rollout of a {platform} post about {recommendedTopic}.
List the execution considerations: timing, measurement, and risks.

Respond with JSON only:
{"considerations": ["..."]}`,

	TemplatePhase5Integrate: `Produce the execution plan for the post below.

Post:
{content}

Considerations:
{considerations}

Respond with JSON only:
{"timing": "...", "kpis": ["..."], "risk_notes": "...", "optimization": ["..."]}`,
}
